package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyIntent_Notification(t *testing.T) {
	c := ClassifyIntent("[NOTIFICATION] build finished")
	assert.Equal(t, IntentNotification, c.Intent)
	assert.Equal(t, 0, c.SuggestedTurns)
	assert.Equal(t, 1.0, c.Confidence)
}

func TestClassifyIntent_Escalation(t *testing.T) {
	c := ClassifyIntent("[URGENT] prod is down")
	assert.Equal(t, IntentEscalation, c.Intent)
	assert.Equal(t, 0, c.SuggestedTurns)
}

func TestClassifyIntent_Question(t *testing.T) {
	c := ClassifyIntent("can you check the logs?")
	assert.Equal(t, IntentQuestion, c.Intent)
	assert.Equal(t, 2, c.SuggestedTurns)
}

func TestClassifyIntent_DefaultsToCollaboration(t *testing.T) {
	c := ClassifyIntent("here's a random status update")
	assert.Equal(t, IntentCollaboration, c.Intent)
	assert.Equal(t, -1, c.SuggestedTurns)
	assert.Equal(t, 0.5, c.Confidence)
}

func TestResolveEffectivePingPongTurns(t *testing.T) {
	assert.Equal(t, 0, ResolveEffectivePingPongTurns(5, ClassifiedIntent{SuggestedTurns: 0}, false))
	assert.Equal(t, 0, ResolveEffectivePingPongTurns(5, ClassifiedIntent{SuggestedTurns: 3}, true))
	assert.Equal(t, 5, ResolveEffectivePingPongTurns(5, ClassifiedIntent{SuggestedTurns: -1}, false))
	assert.Equal(t, 2, ResolveEffectivePingPongTurns(5, ClassifiedIntent{SuggestedTurns: 2}, false))
	assert.Equal(t, 5, ResolveEffectivePingPongTurns(5, ClassifiedIntent{SuggestedTurns: 9}, false))
}

func TestCalculateSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, CalculateSimilarity("", ""))
	assert.Equal(t, 0.0, CalculateSimilarity("hello", ""))
	assert.Equal(t, 1.0, CalculateSimilarity("Hello World", "hello world"))
	assert.InDelta(t, 0.5, CalculateSimilarity("a b c", "a b d"), 0.01)
}

func TestShouldRunAnnounce(t *testing.T) {
	internal := "internal"
	external := "slack"
	assert.False(t, ShouldRunAnnounce(nil, "reply"))
	assert.False(t, ShouldRunAnnounce(&external, ""))
	assert.False(t, ShouldRunAnnounce(&internal, "reply"))
	assert.True(t, ShouldRunAnnounce(&external, "reply"))
}

func TestIsReplySkip_CaseInsensitiveWithTrailingPunctuation(t *testing.T) {
	assert.True(t, IsReplySkip("REPLY_SKIP"))
	assert.True(t, IsReplySkip("reply_skip."))
	assert.True(t, IsReplySkip(" Reply_Skip  "))
	assert.False(t, IsReplySkip("reply_skip please"))
}

func TestHasConclusionMarker(t *testing.T) {
	assert.True(t, HasConclusionMarker("got it, thanks"))
	assert.True(t, HasConclusionMarker("확인했습니다"))
	assert.False(t, HasConclusionMarker("let me check that"))
}
