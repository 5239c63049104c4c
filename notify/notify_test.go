package notify

import (
	"bytes"
	"context"
	"errors"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"agreementflow/outbox"
)

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Notify(ctx context.Context, n Notification) error {
	args := m.Called(ctx, n)
	return args.Error(0)
}

func TestDispatcher_RoutesKnownTopics(t *testing.T) {
	n := &mockNotifier{}
	n.On("Notify", mock.Anything, mock.MatchedBy(func(got Notification) bool {
		return got.AgreementID == "ag-1" && got.Subject == "Payment proof rejected: illegible receipt"
	})).Return(nil).Once()

	err := NewDispatcher(n).Handle(context.Background(), outbox.Message{
		Topic:   outbox.TopicPaymentRejected,
		Payload: []byte(`{"agreement_id":"ag-1","reason":"illegible receipt"}`),
	})

	require.NoError(t, err)
	n.AssertExpectations(t)
}

func TestDispatcher_IgnoresUnroutedTopics(t *testing.T) {
	n := &mockNotifier{}

	err := NewDispatcher(n).Handle(context.Background(), outbox.Message{
		Topic:   outbox.TopicFlowChanged,
		Payload: []byte(`{"agreement_id":"ag-1"}`),
	})

	require.NoError(t, err)
	n.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything)
}

func TestDispatcher_PropagatesDeliveryFailure(t *testing.T) {
	n := &mockNotifier{}
	n.On("Notify", mock.Anything, mock.Anything).Return(errors.New("smtp down"))

	err := NewDispatcher(n).Handle(context.Background(), outbox.Message{
		Topic:   outbox.TopicAgreementCompleted,
		Payload: []byte(`{"agreement_id":"ag-1"}`),
	})

	assert.ErrorContains(t, err, "smtp down")
}

func TestLogNotifier_MasksCodes(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogNotifier(log.New(&buf, "", 0))

	require.NoError(t, l.SendCode(context.Background(), "ag-1", "482913"))

	assert.Contains(t, buf.String(), "****13")
	assert.NotContains(t, buf.String(), "482913")
}
