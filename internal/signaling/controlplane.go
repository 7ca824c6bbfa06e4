package signaling

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kinesisvideo"
	kvtypes "github.com/aws/aws-sdk-go-v2/service/kinesisvideo/types"
	"github.com/aws/aws-sdk-go-v2/service/kinesisvideosignaling"
)

// Role distinguishes a master (offer-accepting publisher) endpoint's
// signaling-channel role from a viewer's, matching spec section 1's two
// endpoint personas.
type Role string

const (
	RoleMaster Role = "MASTER"
	RoleViewer Role = "VIEWER"
)

// Endpoints holds the per-protocol signaling-channel endpoints returned by
// GetSignalingChannelEndpoint: HTTPS for the control plane, WSS for the
// event plane.
type Endpoints struct {
	HTTPS string
	WSS   string
}

// IceServer mirrors one STUN/TURN server returned by GetIceServerConfig.
type IceServer struct {
	URIs     []string
	Username string
	Password string
	TTL      int32
}

// ControlPlane wraps the KVS control-plane calls spec section 6 names:
// DescribeSignalingChannel, GetSignalingChannelEndpoint, GetIceServerConfig.
type ControlPlane struct {
	region      string
	channelName string
	channelARN  string

	kv *kinesisvideo.Client
}

// NewControlPlane loads an aws.Config for region using creds (static or
// role-alias, per spec section 6) and constructs the kinesisvideo client.
func NewControlPlane(ctx context.Context, region, channelName string, creds aws.CredentialsProvider) (*ControlPlane, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(creds),
	)
	if err != nil {
		return nil, fmt.Errorf("signaling: load aws config: %w", err)
	}

	return &ControlPlane{
		region:      region,
		channelName: channelName,
		kv:          kinesisvideo.NewFromConfig(cfg),
	}, nil
}

// DescribeChannel resolves the channel name to its ARN, caching it for
// subsequent calls on this ControlPlane.
func (c *ControlPlane) DescribeChannel(ctx context.Context) (string, error) {
	out, err := c.kv.DescribeSignalingChannel(ctx, &kinesisvideo.DescribeSignalingChannelInput{
		ChannelName: aws.String(c.channelName),
	})
	if err != nil {
		return "", fmt.Errorf("signaling: describe signaling channel: %w", err)
	}
	if out.ChannelInfo == nil || out.ChannelInfo.ChannelARN == nil {
		return "", fmt.Errorf("signaling: describe signaling channel: missing channel ARN")
	}
	c.channelARN = *out.ChannelInfo.ChannelARN
	return c.channelARN, nil
}

// GetSignalingChannelEndpoint resolves the HTTPS and WSS endpoints for
// role, per the channel's ARN; when no ARN is cached yet it calls
// DescribeChannel first to resolve and cache one.
func (c *ControlPlane) GetSignalingChannelEndpoint(ctx context.Context, role Role) (Endpoints, error) {
	if c.channelARN == "" {
		if _, err := c.DescribeChannel(ctx); err != nil {
			return Endpoints{}, err
		}
	}

	channelRole := kvtypes.ChannelRoleViewer
	if role == RoleMaster {
		channelRole = kvtypes.ChannelRoleMaster
	}

	out, err := c.kv.GetSignalingChannelEndpoint(ctx, &kinesisvideo.GetSignalingChannelEndpointInput{
		ChannelARN: aws.String(c.channelARN),
		SingleMasterChannelEndpointConfiguration: &kvtypes.SingleMasterChannelEndpointConfiguration{
			Protocols: []kvtypes.ChannelProtocol{kvtypes.ChannelProtocolWss, kvtypes.ChannelProtocolHttps},
			Role:      channelRole,
		},
	})
	if err != nil {
		return Endpoints{}, fmt.Errorf("signaling: get signaling channel endpoint: %w", err)
	}

	var endpoints Endpoints
	for _, item := range out.ResourceEndpointList {
		if item.ResourceEndpoint == nil {
			continue
		}
		switch item.Protocol {
		case kvtypes.ChannelProtocolHttps:
			endpoints.HTTPS = *item.ResourceEndpoint
		case kvtypes.ChannelProtocolWss:
			endpoints.WSS = *item.ResourceEndpoint
		}
	}
	if endpoints.HTTPS == "" || endpoints.WSS == "" {
		return Endpoints{}, fmt.Errorf("signaling: channel endpoint missing HTTPS or WSS protocol")
	}
	return endpoints, nil
}

// GetIceServerConfig fetches the TURN/STUN server list for the channel,
// using the HTTPS control-plane endpoint as the kinesisvideosignaling
// client's base endpoint (the signaling client for this call must be
// addressed at the channel-specific endpoint, not the regional one).
func (c *ControlPlane) GetIceServerConfig(ctx context.Context, httpsEndpoint, clientID string) ([]IceServer, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(c.region),
		awsconfig.WithCredentialsProvider(c.kv.Options().Credentials),
	)
	if err != nil {
		return nil, fmt.Errorf("signaling: load aws config: %w", err)
	}

	client := kinesisvideosignaling.NewFromConfig(cfg, func(o *kinesisvideosignaling.Options) {
		o.BaseEndpoint = aws.String(httpsEndpoint)
	})

	out, err := client.GetIceServerConfig(ctx, &kinesisvideosignaling.GetIceServerConfigInput{
		ChannelARN: aws.String(c.channelARN),
		ClientId:   aws.String(clientID),
	})
	if err != nil {
		return nil, fmt.Errorf("signaling: get ice server config: %w", err)
	}

	servers := make([]IceServer, 0, len(out.IceServerList))
	for _, s := range out.IceServerList {
		server := IceServer{URIs: s.Uris}
		if s.Username != nil {
			server.Username = *s.Username
		}
		if s.Password != nil {
			server.Password = *s.Password
		}
		if s.Ttl != nil {
			server.TTL = *s.Ttl
		}
		servers = append(servers, server)
	}
	return servers, nil
}
