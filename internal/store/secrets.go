// Package store wraps the secret and log control planes behind the small
// surface the targets need: named JSON blob CRUD and time-ranged, capped
// log reads.
package store

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/chainguard-dev/clog"

	"github.com/clawster/clawster/internal/awsx"
)

// SecretsAPI is the slice of the Secrets Manager client the store uses.
type SecretsAPI interface {
	CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
	UpdateSecret(ctx context.Context, params *secretsmanager.UpdateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.UpdateSecretOutput, error)
	DeleteSecret(ctx context.Context, params *secretsmanager.DeleteSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DeleteSecretOutput, error)
}

// SecretStore persists per-bot JSON config blobs in Secrets Manager.
type SecretStore struct {
	client SecretsAPI
}

func NewSecretStore(client SecretsAPI) *SecretStore {
	return &SecretStore{client: client}
}

// Ensure creates the secret with the given initial value if it does not
// already exist. An existing secret is left untouched.
func (s *SecretStore) Ensure(ctx context.Context, name, initial, botName string) error {
	log := clog.FromContext(ctx).With("secret", name)

	_, err := s.client.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
		Name:         aws.String(name),
		SecretString: aws.String(initial),
		Tags:         secretTags(botName),
	})
	if err != nil {
		if awsx.IsAlreadyExists(err) {
			log.Debug("secret already exists")
			return nil
		}
		return fmt.Errorf("creating secret: %w", err)
	}
	log.Info("created secret")
	return nil
}

// Put writes value to the named secret, creating it if necessary. Creation
// is attempted first; any create failure falls through to an update so a
// pre-existing secret is overwritten rather than erred on.
func (s *SecretStore) Put(ctx context.Context, name, value, botName string) error {
	log := clog.FromContext(ctx).With("secret", name)

	_, err := s.client.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
		Name:         aws.String(name),
		SecretString: aws.String(value),
		Tags:         secretTags(botName),
	})
	if err == nil {
		log.Info("created secret")
		return nil
	}

	log.Debug("secret create failed, updating instead", "error", err)
	_, err = s.client.UpdateSecret(ctx, &secretsmanager.UpdateSecretInput{
		SecretId:     aws.String(name),
		SecretString: aws.String(value),
	})
	if err != nil {
		return fmt.Errorf("updating secret: %w", err)
	}
	log.Info("updated secret")
	return nil
}

// ForceDelete removes the secret immediately, skipping the recovery window.
// A missing secret is already deleted.
func (s *SecretStore) ForceDelete(ctx context.Context, name string) error {
	log := clog.FromContext(ctx).With("secret", name)

	_, err := s.client.DeleteSecret(ctx, &secretsmanager.DeleteSecretInput{
		SecretId:                   aws.String(name),
		ForceDeleteWithoutRecovery: aws.Bool(true),
	})
	if err != nil {
		if awsx.IsNotFound(err) {
			log.Debug("secret already gone")
			return nil
		}
		return fmt.Errorf("deleting secret: %w", err)
	}
	log.Info("deleted secret")
	return nil
}

func secretTags(botName string) []smtypes.Tag {
	return []smtypes.Tag{
		{Key: aws.String("clawster:managed"), Value: aws.String("true")},
		{Key: aws.String("clawster:bot"), Value: aws.String(botName)},
	}
}
