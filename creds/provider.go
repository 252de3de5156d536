// Package creds fetches database credentials from the secret store. The raw
// password never reaches a log line; only a length-and-hash fingerprint does.
package creds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/aws/smithy-go"
	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/emporia/ordercore/model"
)

// Terminal fetch failures; anything else is treated as a transport error and
// retried with backoff.
var (
	ErrSecretNotFound = errors.New("secret not found")
	ErrUnauthorized   = errors.New("unauthorized to read secret")
)

// API is the secret store surface the provider depends on. *secretsmanager.Client
// satisfies it.
type API interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput,
		optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Config bounds the startup fetch retry.
type Config struct {
	SecretName     string
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxAttempts    int
}

// Provider fetches and refreshes the database credential.
type Provider struct {
	api API
	cfg Config
	log log.FieldLogger
}

// NewProvider returns a Provider over the given secret store client.
func NewProvider(api API, cfg Config, logger log.FieldLogger) *Provider {
	return &Provider{api: api, cfg: cfg, log: logger}
}

// Fetch blocks on a successful credential fetch with capped exponential
// backoff. Terminal errors (missing secret, access denied) abort immediately.
func (p *Provider) Fetch(ctx context.Context) (model.Credential, error) {
	var bo = backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.InitialBackoff
	bo.MaxInterval = p.cfg.MaxBackoff
	bo.MaxElapsedTime = 0 // attempts are the bound, not elapsed time

	var retries = uint64(0)
	if p.cfg.MaxAttempts > 1 {
		retries = uint64(p.cfg.MaxAttempts - 1)
	}

	var cred model.Credential
	var attempt int
	var err = backoff.Retry(func() error {
		attempt++
		var c, err = p.fetchOnce(ctx)
		if err != nil {
			if errors.Is(err, ErrSecretNotFound) || errors.Is(err, ErrUnauthorized) {
				return backoff.Permanent(err)
			}
			p.log.WithFields(log.Fields{
				"secret":  p.cfg.SecretName,
				"attempt": attempt,
				"error":   err,
			}).Warn("credential fetch failed (will retry)")
			return err
		}
		cred = c
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, retries), ctx))

	if err != nil {
		return model.Credential{}, fmt.Errorf("fetching credential %q: %w", p.cfg.SecretName, err)
	}

	p.log.WithFields(log.Fields{
		"secret":      p.cfg.SecretName,
		"user":        cred.Username,
		"host":        cred.Host,
		"fingerprint": cred.Fingerprint(),
	}).Info("fetched database credential")
	return cred, nil
}

// Refresh performs a single fetch for runtime rotation. The caller decides
// whether a failed refresh is fatal.
func (p *Provider) Refresh(ctx context.Context) (model.Credential, error) {
	var cred, err = p.fetchOnce(ctx)
	if err != nil {
		return model.Credential{}, fmt.Errorf("refreshing credential %q: %w", p.cfg.SecretName, err)
	}
	p.log.WithFields(log.Fields{
		"secret":      p.cfg.SecretName,
		"fingerprint": cred.Fingerprint(),
	}).Info("refreshed database credential")
	return cred, nil
}

func (p *Provider) fetchOnce(ctx context.Context) (model.Credential, error) {
	var out, err = p.api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(p.cfg.SecretName),
	})
	if err != nil {
		return model.Credential{}, classify(err)
	}
	if out.SecretString == nil {
		return model.Credential{}, fmt.Errorf("secret %q holds no string value", p.cfg.SecretName)
	}

	var cred model.Credential
	if err := json.Unmarshal([]byte(*out.SecretString), &cred); err != nil {
		return model.Credential{}, fmt.Errorf("decoding secret payload: %w", err)
	}
	if cred.Username == "" || cred.Password == "" || cred.Host == "" {
		return model.Credential{}, fmt.Errorf("secret %q is missing credential fields", p.cfg.SecretName)
	}
	if cred.Port == 0 {
		cred.Port = 5432
	}
	return cred, nil
}

func classify(err error) error {
	var notFound *types.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return fmt.Errorf("%w: %v", ErrSecretNotFound, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDeniedException", "UnauthorizedException", "UnrecognizedClientException":
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
	}
	return fmt.Errorf("secret store transport error: %w", err)
}
