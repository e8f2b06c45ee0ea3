package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-realtime/internal/mocks"
)

func TestAuditEmitterPublishesEnvelope(t *testing.T) {
	pub := new(mocks.PublisherMock)
	emitter := NewAuditEmitter(pub, "audit.chat", "chat-realtime", "test")
	userID := int64(42)

	pub.On("Publish", mock.Anything, "audit.chat", mock.MatchedBy(func(e AuditEnvelope) bool {
		return e.EventType == "audit_log" && e.Service == "chat-realtime" && e.UserID != nil && *e.UserID == "42" &&
			e.Payload.Level == "INFO" && e.RequestID == "req-1"
	}), map[string]string{"x-request-id": "req-1"}).Return(nil).Once()

	emitter.Emit(context.Background(), "INFO", "message retracted", "req-1", &userID)
	pub.AssertExpectations(t)
}

func TestNilAuditEmitterIsSafe(t *testing.T) {
	var emitter *AuditEmitter
	assert.NotPanics(t, func() { emitter.Emit(context.Background(), "INFO", "x", "", nil) })
}

func TestInitTracerWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), "chat-realtime", "test", "")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
