package notification

import (
	"testing"

	"github.com/flyingrobots/go-redis-work-queue/internal/ingesterr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDirectEnvelope(t *testing.T) {
	raw := []byte(`{"kind":"storage#object","bucket":"b1","name":"ds1/t1/_SUCCESS"}`)
	n, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "b1", n.Bucket)
	assert.Equal(t, "ds1/t1/_SUCCESS", n.Object)
}

func TestParsePubSubEnvelope(t *testing.T) {
	raw := []byte(`{"attributes":{"bucketId":"b1","objectId":"ds1/t1/_SUCCESS"}}`)
	n, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "b1", n.Bucket)
	assert.Equal(t, "ds1/t1/_SUCCESS", n.Object)
}

func TestParseMissingFields(t *testing.T) {
	raw := []byte(`{"kind":"storage#object"}`)
	_, err := Parse(raw)
	require.Error(t, err)
	assert.True(t, ingesterr.Is(err, ingesterr.KindUnexpectedTrigger))
}
