package flow

import "strings"

// Intent is the classified purpose of an inbound A2A message.
type Intent string

const (
	IntentNotification  Intent = "notification"
	IntentEscalation    Intent = "escalation"
	IntentResultReport  Intent = "result_report"
	IntentQuestion      Intent = "question"
	IntentRequest       Intent = "request"
	IntentCollaboration Intent = "collaboration"
)

// ClassifiedIntent is the result of IntentClassifier's pure text scan.
type ClassifiedIntent struct {
	Intent         Intent
	SuggestedTurns int // -1 means "use configured max"
	Confidence     float64
}

var (
	notificationMarkers = []string{"[NO_REPLY_NEEDED]", "[NOTIFICATION]", "전달합니다", "공유합니다", "알림:"}
	escalationMarkers   = []string{"[URGENT]", "[ESCALATION]"}
	resultReportMarkers = []string{"완료했습니다", "결과를 보고", "[outcome]", "task completed"}
	requestMarkers      = []string{"해줘", "해주세요", "부탁"}
)

func containsAnyFold(text string, markers []string) bool {
	lower := strings.ToLower(text)
	for _, m := range markers {
		if strings.Contains(lower, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

// ClassifyIntent is a pure function of the message text. It never
// inspects conversation history or external state.
func ClassifyIntent(text string) ClassifiedIntent {
	if containsAnyFold(text, notificationMarkers) {
		return ClassifiedIntent{Intent: IntentNotification, SuggestedTurns: 0, Confidence: 1.0}
	}
	if containsAnyFold(text, escalationMarkers) {
		return ClassifiedIntent{Intent: IntentEscalation, SuggestedTurns: 0, Confidence: 1.0}
	}
	if containsAnyFold(text, resultReportMarkers) {
		return ClassifiedIntent{Intent: IntentResultReport, SuggestedTurns: 1, Confidence: 0.9}
	}
	if strings.Contains(text, "?") || containsAnyFold(text, []string{"무엇", "어떻게", "왜", "언제", "누가"}) {
		return ClassifiedIntent{Intent: IntentQuestion, SuggestedTurns: 2, Confidence: 0.8}
	}
	if containsAnyFold(text, requestMarkers) {
		return ClassifiedIntent{Intent: IntentRequest, SuggestedTurns: 3, Confidence: 0.8}
	}
	return ClassifiedIntent{Intent: IntentCollaboration, SuggestedTurns: -1, Confidence: 0.5}
}

// ResolveEffectivePingPongTurns reconciles the configured cap, the
// classified intent's suggestion, and an explicit caller override.
func ResolveEffectivePingPongTurns(configMaxTurns int, classified ClassifiedIntent, explicitSkipPingPong bool) int {
	if explicitSkipPingPong || classified.SuggestedTurns == 0 {
		return 0
	}
	if classified.SuggestedTurns == -1 {
		return configMaxTurns
	}
	if classified.SuggestedTurns < configMaxTurns {
		return classified.SuggestedTurns
	}
	return configMaxTurns
}

// CalculateSimilarity is a case-insensitive Jaccard index over
// whitespace-tokenized word sets.
func CalculateSimilarity(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1.0
	}
	if len(setA) == 0 || len(setB) == 0 {
		return 0.0
	}

	intersection := 0
	union := make(map[string]struct{}, len(setA)+len(setB))
	for w := range setA {
		union[w] = struct{}{}
		if _, ok := setB[w]; ok {
			intersection++
		}
	}
	for w := range setB {
		union[w] = struct{}{}
	}
	return float64(intersection) / float64(len(union))
}

func tokenSet(s string) map[string]struct{} {
	fields := strings.Fields(strings.ToLower(s))
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

// ShouldRunAnnounce reports whether the announce step should deliver to
// an external surface.
func ShouldRunAnnounce(announceTarget *string, latestReply string) bool {
	if announceTarget == nil {
		return false
	}
	if strings.TrimSpace(latestReply) == "" {
		return false
	}
	if *announceTarget == "internal" {
		return false
	}
	return true
}

var conclusionMarkers = []string{
	"확인했습니다", "알겠습니다", "got it", "noted", "will do",
}

// HasConclusionMarker reports whether text contains a recognized
// conversation-ending phrase.
func HasConclusionMarker(text string) bool {
	return containsAnyFold(text, conclusionMarkers)
}

const replySkipToken = "reply_skip"
const announceSkipToken = "announce_skip"

// IsSkipToken reports whether reply is the case-insensitive skip token,
// allowing a trailing period or space.
func IsSkipToken(reply, token string) bool {
	trimmed := strings.ToLower(strings.TrimRight(strings.TrimSpace(reply), ". "))
	return trimmed == token
}

// IsReplySkip reports whether reply signals "no ping-pong reply".
func IsReplySkip(reply string) bool { return IsSkipToken(reply, replySkipToken) }

// IsAnnounceSkip reports whether reply signals "skip the announce step".
func IsAnnounceSkip(reply string) bool { return IsSkipToken(reply, announceSkipToken) }

// HasBangTag reports whether text contains a [NO_REPLY_NEEDED] or
// [NOTIFICATION] directive that suppresses ping-pong entirely.
func HasBangTag(text string) bool {
	return containsAnyFold(text, []string{"[NO_REPLY_NEEDED]", "[NOTIFICATION]"})
}
