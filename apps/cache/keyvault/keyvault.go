// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package keyvault stores the token cache as Azure Key Vault secrets, one secret per key.
package keyvault

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
)

const contentType = "application/octet-stream;base64"

// SecretsClient is the subset of *azsecrets.Client used by Store.
type SecretsClient interface {
	GetSecret(ctx context.Context, name string, version string, options *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error)
	SetSecret(ctx context.Context, name string, parameters azsecrets.SetSecretParameters, options *azsecrets.SetSecretOptions) (azsecrets.SetSecretResponse, error)
}

// Store is a cache.Store backed by Key Vault secrets.
type Store struct {
	client SecretsClient
}

// New returns a Store for the vault at vaultURL, such as "https://myvault.vault.azure.net".
func New(vaultURL string, cred azcore.TokenCredential, options *azsecrets.ClientOptions) (*Store, error) {
	client, err := azsecrets.NewClient(vaultURL, cred, options)
	if err != nil {
		return nil, err
	}
	return NewFromClient(client), nil
}

// NewFromClient returns a Store using client.
func NewFromClient(client SecretsClient) *Store {
	return &Store{client: client}
}

// SecretName converts key to a valid secret name: alphanumerics and dashes, at most 127
// characters.
func SecretName(key string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		}
		return '-'
	}, key)
	if name == "" {
		name = "default"
	}
	if len(name) > 127 {
		name = name[:127]
	}
	return name
}

// Load implements cache.Store. A secret that doesn't exist is an empty cache.
func (s *Store) Load(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.client.GetSecret(ctx, SecretName(key), "", nil)
	if err != nil {
		var re *azcore.ResponseError
		if errors.As(err, &re) && re.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("couldn't read secret %s: %w", SecretName(key), err)
	}
	if resp.Value == nil {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(*resp.Value)
	if err != nil {
		return nil, fmt.Errorf("secret %s isn't a token cache: %w", SecretName(key), err)
	}
	return b, nil
}

// Save implements cache.Store. Every save creates a new version of the secret.
func (s *Store) Save(ctx context.Context, key string, data []byte) error {
	value := base64.StdEncoding.EncodeToString(data)
	ct := contentType
	_, err := s.client.SetSecret(ctx, SecretName(key), azsecrets.SetSecretParameters{
		Value:       &value,
		ContentType: &ct,
	}, nil)
	if err != nil {
		return fmt.Errorf("couldn't write secret %s: %w", SecretName(key), err)
	}
	return nil
}
