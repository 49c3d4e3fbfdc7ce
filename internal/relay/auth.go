package relay

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/opencode-zen/zen/internal/authcache"
	"github.com/opencode-zen/zen/internal/models"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// AuthContext is the resolved caller snapshot attached to one request.
// A nil AuthContext means the request is anonymous and every downstream
// policy and billing step is a no-op.
type AuthContext struct {
	APIKeyID uint64  `json:"api_key_id"`
	UserID   *uint64 `json:"user_id,omitempty"`

	Workspace models.Workspace      `json:"workspace"`
	Billing   models.BillingAccount `json:"billing"`
	User      *models.User          `json:"user,omitempty"`

	// ModelDisabled is the per-workspace disable marker for the requested
	// model, resolved during the auth join.
	ModelDisabled bool `json:"model_disabled"`

	// ProviderKeys maps provider ID to a workspace-supplied credential.
	// Requests using one are not billed against the workspace balance.
	ProviderKeys map[string]string `json:"provider_keys,omitempty"`
}

// Authenticator resolves inbound API keys to caller snapshots. Lookups go
// through an optional redis cache keyed by hashed key plus model scope.
type Authenticator struct {
	db    *gorm.DB
	cache *authcache.Cache
}

// NewAuthenticator constructs an Authenticator. cache may be nil.
func NewAuthenticator(db *gorm.DB, cache *authcache.Cache) *Authenticator {
	return &Authenticator{db: db, cache: cache}
}

var errAuthFailed = NewError(KindAuth, "invalid api key")

// Authenticate resolves a raw API key against the stored keys and joins the
// workspace, billing account, user, per-workspace model override, and
// provider credentials. Returns a typed AuthError when the key does not
// resolve, is revoked, or its workspace or user is disabled.
func (a *Authenticator) Authenticate(ctx context.Context, rawKey, modelID string) (*AuthContext, error) {
	if cached, hit, negative := a.cache.Get(ctx, rawKey, modelID); hit {
		if negative {
			return nil, errAuthFailed
		}
		var snapshot AuthContext
		if errParse := json.Unmarshal(cached, &snapshot); errParse == nil {
			return &snapshot, nil
		}
		// Corrupt cache entries fall through to the database.
	}

	snapshot, errResolve := a.resolve(ctx, rawKey, modelID)
	if errResolve != nil {
		var relayErr *Error
		if errors.As(errResolve, &relayErr) && relayErr.Kind == KindAuth {
			a.cache.SetNegative(ctx, rawKey, modelID)
		}
		return nil, errResolve
	}

	if data, errMarshal := json.Marshal(snapshot); errMarshal == nil {
		a.cache.Set(ctx, rawKey, modelID, data)
	}
	return snapshot, nil
}

// resolve performs the uncached multi-table lookup.
func (a *Authenticator) resolve(ctx context.Context, rawKey, modelID string) (*AuthContext, error) {
	var key models.APIKey
	errFind := a.db.WithContext(ctx).Where("api_key = ?", rawKey).First(&key).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, errAuthFailed
		}
		return nil, errFind
	}
	if !key.Active || key.RevokedAt != nil {
		return nil, errAuthFailed
	}

	var workspace models.Workspace
	if errWs := a.db.WithContext(ctx).First(&workspace, key.WorkspaceID).Error; errWs != nil {
		if errors.Is(errWs, gorm.ErrRecordNotFound) {
			return nil, errAuthFailed
		}
		return nil, errWs
	}
	if workspace.Disabled {
		return nil, errAuthFailed
	}

	snapshot := &AuthContext{
		APIKeyID:  key.ID,
		UserID:    key.UserID,
		Workspace: workspace,
	}

	// A workspace without a billing row behaves as an empty account: no
	// payment method, zero balance.
	var account models.BillingAccount
	errBilling := a.db.WithContext(ctx).Where("workspace_id = ?", workspace.ID).First(&account).Error
	if errBilling != nil && !errors.Is(errBilling, gorm.ErrRecordNotFound) {
		return nil, errBilling
	}
	snapshot.Billing = account

	if key.UserID != nil {
		var user models.User
		errUser := a.db.WithContext(ctx).First(&user, *key.UserID).Error
		if errUser != nil {
			if !errors.Is(errUser, gorm.ErrRecordNotFound) {
				return nil, errUser
			}
		} else {
			if user.Disabled {
				return nil, errAuthFailed
			}
			snapshot.User = &user
		}
	}

	var override models.WorkspaceModel
	errOverride := a.db.WithContext(ctx).
		Where("workspace_id = ? AND model = ?", workspace.ID, modelID).
		First(&override).Error
	if errOverride != nil && !errors.Is(errOverride, gorm.ErrRecordNotFound) {
		return nil, errOverride
	}
	if errOverride == nil {
		snapshot.ModelDisabled = override.Disabled
	}

	var credentials []models.ProviderCredential
	if errCreds := a.db.WithContext(ctx).
		Where("workspace_id = ?", workspace.ID).
		Find(&credentials).Error; errCreds != nil {
		return nil, errCreds
	}
	if len(credentials) > 0 {
		snapshot.ProviderKeys = make(map[string]string, len(credentials))
		for _, cred := range credentials {
			snapshot.ProviderKeys[cred.Provider] = cred.APIKey
		}
	}

	log.WithFields(log.Fields{
		"workspace": workspace.Slug,
		"api_key":   key.ID,
	}).Debug("api key resolved")
	return snapshot, nil
}
