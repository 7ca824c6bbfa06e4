package signaling

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStaticCredentialsRetrieve(t *testing.T) {
	provider := StaticCredentials("AKIDEXAMPLE", "secret", "")
	creds, err := provider.Retrieve(context.Background())
	require.NoError(t, err)
	require.Equal(t, "AKIDEXAMPLE", creds.AccessKeyID)
	require.Equal(t, "secret", creds.SecretAccessKey)
	require.False(t, creds.CanExpire)
}
