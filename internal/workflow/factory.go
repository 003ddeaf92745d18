package workflow

import (
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	model "dify-task-engine.com/dify-task-engine/internal/models"
)

// Settings are the client defaults shared by every service configuration.
type Settings struct {
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
	User       string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Factory hands out one Client per service configuration so the detected
// application mode survives across tasks. A changed key or endpoint yields a
// fresh client.
type Factory struct {
	settings Settings
	clients  sync.Map
}

type clientKey struct {
	id      string
	apiKey  string
	baseURL string
}

func NewFactory(settings Settings) *Factory {
	if settings.HTTPClient == nil {
		settings.HTTPClient = &http.Client{}
	}
	if settings.Logger == nil {
		settings.Logger = zap.L()
	}
	return &Factory{settings: settings}
}

func (f *Factory) ClientFor(cfg *model.AiServiceConfig) *Client {
	key := clientKey{id: cfg.ID, apiKey: cfg.APIKey, baseURL: cfg.BaseURL}
	if c, ok := f.clients.Load(key); ok {
		return c.(*Client)
	}

	c := NewClient(cfg.BaseURL, cfg.APIKey,
		WithHTTPClient(f.settings.HTTPClient),
		WithTimeout(f.settings.Timeout),
		WithMaxRetries(f.settings.MaxRetries),
		WithRetryDelay(f.settings.RetryDelay),
		WithUser(f.settings.User),
		WithRequiredInputs(cfg.RequiredInputs...),
		WithMode(cfg.AppMode),
		WithLogger(f.settings.Logger.With(zap.String("service_config_id", cfg.ID))),
	)
	actual, _ := f.clients.LoadOrStore(key, c)
	return actual.(*Client)
}
