package remote

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/ashureev/advisor/internal/capability"
	"github.com/ashureev/advisor/internal/capability/rules"
	"github.com/ashureev/advisor/internal/domain"
	"github.com/ashureev/advisor/internal/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func startServer(t *testing.T, set capability.Set) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewServer(set, nil).Serve(ctx, lis) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	cfg := DefaultClientConfig("passthrough:///bufnet")
	client, err := Dial(cfg, nil, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func TestRoundTripRulesProvider(t *testing.T) {
	s := schema.Default()
	client := startServer(t, rules.New(s))
	ctx := context.Background()

	cls, err := client.Classify(ctx, capability.ClassifyRequest{Text: "How is my portfolio doing?"})
	require.NoError(t, err)
	assert.Equal(t, domain.IntentPortfolioQuery, cls.Intent)

	res, err := client.Extract(ctx, capability.ExtractRequest{
		Text:    "I'm conservative and want to retire in 30 years",
		Targets: s.Descriptors(s.Names()),
	})
	require.NoError(t, err)
	got := map[string]string{}
	for _, c := range res.Candidates {
		got[c.Slot] = c.Raw
	}
	assert.Equal(t, "conservative", got["risk_tolerance"])
	assert.Equal(t, "30 years", got["investment_period"])

	sl, _ := s.Slot("loss_comfort")
	q, err := client.Question(ctx, capability.QuestionRequest{Slot: sl.Descriptor()})
	require.NoError(t, err)
	assert.Equal(t, sl.Question, q)
}

func TestProcessDispatchesByIntent(t *testing.T) {
	set := capability.Set{Units: map[domain.Intent]capability.Unit{
		domain.IntentPortfolioQuery: capability.UnitFunc(func(_ context.Context, req capability.UnitRequest) (*capability.UnitResult, error) {
			return &capability.UnitResult{
				Text:    "total " + req.Profile.Text("risk_tolerance"),
				Payload: map[string]any{"holdings": float64(len(req.Portfolio.Holdings))},
			}, nil
		}),
		domain.IntentRecommendation: capability.UnitFunc(func(context.Context, capability.UnitRequest) (*capability.UnitResult, error) {
			return nil, errors.New("model offline")
		}),
	}}
	client := startServer(t, set)
	units := client.Set(domain.IntentPortfolioQuery, domain.IntentRecommendation).Units

	res, err := units[domain.IntentPortfolioQuery].Process(context.Background(), capability.UnitRequest{
		Intent:    domain.IntentPortfolioQuery,
		Profile:   domain.ProfileView{"risk_tolerance": {Kind: domain.KindEnum, Text: "moderate"}},
		Portfolio: &domain.Portfolio{Currency: "USD", Holdings: []domain.Holding{{Symbol: "VTI", Value: 10}}},
	})
	require.NoError(t, err)
	assert.Equal(t, "total moderate", res.Text)
	assert.Equal(t, float64(1), res.Payload["holdings"])

	_, err = units[domain.IntentRecommendation].Process(context.Background(), capability.UnitRequest{Intent: domain.IntentRecommendation})
	require.Error(t, err)
	assert.Equal(t, codes.Unavailable, status.Code(errors.Unwrap(err)))

	_, err = client.Process(context.Background(), capability.UnitRequest{Intent: domain.IntentUnrecognized})
	assert.Equal(t, codes.NotFound, status.Code(errors.Unwrap(err)))
}

func TestMissingCapabilityIsUnimplemented(t *testing.T) {
	client := startServer(t, capability.Set{})

	_, err := client.Classify(context.Background(), capability.ClassifyRequest{Text: "hi"})
	require.Error(t, err)
	assert.Equal(t, codes.Unimplemented, status.Code(errors.Unwrap(err)))
}
