package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateID(t *testing.T) {
	id := GenerateID("link")
	assert.True(t, strings.HasPrefix(id, "link_"))

	other := GenerateID("link")
	assert.NotEqual(t, id, other)
}

func TestGenerateSessionID(t *testing.T) {
	assert.True(t, strings.HasPrefix(GenerateSessionID(), "session_"))
}

func TestGeneratePeerID(t *testing.T) {
	assert.True(t, strings.HasPrefix(GeneratePeerID(), "peer_"))
}
