package signaling

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
)

// StaticCredentials builds an aws.CredentialsProvider from a long-lived
// access/secret key pair, per spec section 6's "credential source (static
// keys vs role-alias)".
func StaticCredentials(accessKeyID, secretAccessKey, sessionToken string) aws.CredentialsProvider {
	return credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, sessionToken)
}

// RoleAliasConfig names the AWS IoT role-alias credential endpoint and the
// device identity used to authenticate to it, mirroring the original
// source's IoT credential provider (device cert/key exchanged for temporary
// STS credentials via an IoT Core role alias).
type RoleAliasConfig struct {
	CredentialEndpoint string // e.g. "xxxx.credentials.iot.<region>.amazonaws.com"
	RoleAlias          string
	ThingName          string
	CertFile           string
	KeyFile            string
	RootCAFile         string
}

type roleAliasResponse struct {
	Credentials struct {
		AccessKeyID     string    `json:"accessKeyId"`
		SecretAccessKey string    `json:"secretAccessKey"`
		SessionToken    string    `json:"sessionToken"`
		Expiration      time.Time `json:"expiration"`
	} `json:"credentials"`
}

// roleAliasProvider implements aws.CredentialsProvider by calling the IoT
// Core credentials endpoint over mTLS using the device's X.509 identity.
type roleAliasProvider struct {
	cfg    RoleAliasConfig
	client *http.Client
}

// NewRoleAliasCredentials builds a credential provider backed by the AWS
// IoT role-alias exchange, wrapped in an aws.CredentialsCache with a 60s
// expiry window so a refresh happens before, not after, expiry — matching
// the original's rotate-before-expiry behavior.
func NewRoleAliasCredentials(cfg RoleAliasConfig, rootCAs *tls.Config) (aws.CredentialsProvider, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("signaling: load device certificate: %w", err)
	}

	tlsConfig := rootCAs.Clone()
	tlsConfig.Certificates = []tls.Certificate{cert}

	provider := &roleAliasProvider{
		cfg: cfg,
		client: &http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsConfig},
			Timeout:   10 * time.Second,
		},
	}

	return aws.NewCredentialsCache(provider, func(o *aws.CredentialsCacheOptions) {
		o.ExpiryWindow = 60 * time.Second
	}), nil
}

func (p *roleAliasProvider) Retrieve(ctx context.Context) (aws.Credentials, error) {
	url := fmt.Sprintf("https://%s/role-aliases/%s/credentials", p.cfg.CredentialEndpoint, p.cfg.RoleAlias)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return aws.Credentials{}, err
	}
	req.Header.Set("x-amzn-iot-thingname", p.cfg.ThingName)

	resp, err := p.client.Do(req)
	if err != nil {
		return aws.Credentials{}, fmt.Errorf("signaling: role-alias request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return aws.Credentials{}, fmt.Errorf("signaling: role-alias endpoint returned %s", resp.Status)
	}

	var out roleAliasResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return aws.Credentials{}, fmt.Errorf("signaling: decode role-alias response: %w", err)
	}

	return aws.Credentials{
		AccessKeyID:     out.Credentials.AccessKeyID,
		SecretAccessKey: out.Credentials.SecretAccessKey,
		SessionToken:    out.Credentials.SessionToken,
		CanExpire:       true,
		Expires:         out.Credentials.Expiration,
		Source:          "kvswebrtc.RoleAlias",
	}, nil
}
