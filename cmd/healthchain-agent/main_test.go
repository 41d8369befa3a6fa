package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medrex/healthchain/pkg/config"
	"github.com/medrex/healthchain/pkg/logger"
	"github.com/medrex/healthchain/pkg/types"
)

func TestOpenKeysWarnsThroughLoggerWithoutSecrets(t *testing.T) {
	var out bytes.Buffer

	keys, recordCipher, err := openKeys(config.KeysConfig{Provider: config.KeyProviderStatic}, logger.NewWithOutput("info", &out))
	require.NoError(t, err)
	assert.NotNil(t, keys)
	assert.NotNil(t, recordCipher)

	assert.Contains(t, out.String(), `"level":"warning"`)
	assert.Contains(t, out.String(), "No static secrets configured")
}

func TestOpenKeysLoadsStaticSecrets(t *testing.T) {
	var out bytes.Buffer
	address := "0xABCDEF0123456789abcdef0123456789abcdef01"

	keys, _, err := openKeys(config.KeysConfig{
		Provider:      config.KeyProviderStatic,
		StaticSecrets: map[string]string{address: "passphrase"},
	}, logger.NewWithOutput("info", &out))
	require.NoError(t, err)
	assert.Empty(t, out.String())

	principal, err := types.ParsePrincipal(address)
	require.NoError(t, err)
	secret, err := keys.Secret(context.Background(), principal)
	require.NoError(t, err)
	assert.Equal(t, []byte("passphrase"), secret)
}

func TestOpenKeysRejectsBadAddress(t *testing.T) {
	_, _, err := openKeys(config.KeysConfig{
		Provider:      config.KeyProviderStatic,
		StaticSecrets: map[string]string{"not-an-address": "x"},
	}, logger.Discard())
	assert.Error(t, err)
}
