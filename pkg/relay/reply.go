// KFRelay - WeCom customer-service to gateway relay
// Outbound reply engine: chunking, capping, serialized delivery

package relay

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/sipeed/kfrelay/pkg/logger"
	"github.com/sipeed/kfrelay/pkg/protocol"
	"github.com/sipeed/kfrelay/pkg/wecom"
)

// MaxReplyChunks caps how many messages one reply may fan out into;
// WeChat limits sends inside the 48-hour service window.
const MaxReplyChunks = 5

// sentenceEnders are the boundary runes preferred when splitting a long
// reply.
const sentenceEnders = ".!?。！？\n"

// Engine turns gateway reply frames into kf/send_msg calls. Chunks of a
// single reply are sent strictly in order; chunk N+1 waits for N.
type Engine struct {
	tokens   *wecom.TokenSource
	client   *wecom.Client
	openKfID string
}

func NewEngine(tokens *wecom.TokenSource, client *wecom.Client, openKfID string) *Engine {
	return &Engine{tokens: tokens, client: client, openKfID: openKfID}
}

// SendUserText delivers one text message to an external user. Used for
// welcome messages and other relay-originated texts.
func (e *Engine) SendUserText(ctx context.Context, externalUserID, content string) error {
	token, err := e.tokens.Token(ctx)
	if err != nil {
		return err
	}
	_, err = e.client.SendText(ctx, token, externalUserID, e.openKfID, content)
	return err
}

// Deliver sends one gateway reply to its user, chunking as needed. It
// returns the first error encountered; later chunks are still attempted
// so a transient failure does not swallow the rest of the reply.
func (e *Engine) Deliver(ctx context.Context, reply protocol.Reply) error {
	chunks := SplitMessage(reply.Content, wecom.MaxTextBytes)
	if len(chunks) > MaxReplyChunks {
		logger.WarnCF("reply", "Reply exceeds chunk cap, truncating", map[string]any{
			"external_user_id": reply.ExternalUserID,
			"chunks":           len(chunks),
			"cap":              MaxReplyChunks,
		})
		chunks = chunks[:MaxReplyChunks]
	}

	var firstErr error
	for i, chunk := range chunks {
		token, err := e.tokens.Token(ctx)
		if err != nil {
			// Without a token nothing else will go through either.
			if firstErr == nil {
				firstErr = err
			}
			logger.ErrorCF("reply", "Access token unavailable", map[string]any{
				"error": err.Error(),
			})
			break
		}
		if _, err := e.client.SendText(ctx, token, reply.ExternalUserID, e.openKfID, chunk); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			logger.WarnCF("reply", "Chunk send failed", map[string]any{
				"external_user_id": reply.ExternalUserID,
				"chunk":            i,
				"error":            err.Error(),
			})
		}
	}
	return firstErr
}

// SplitMessage splits s into chunks of at most maxBytes UTF-8 bytes,
// preferring to break after sentence punctuation in the last quarter of
// a chunk, then at the last space, then hard-cutting without splitting a
// code point. Boundary whitespace between chunks is consumed.
func SplitMessage(s string, maxBytes int) []string {
	if s == "" {
		return nil
	}

	var chunks []string
	rest := s
	for len(rest) > 0 {
		if len(rest) <= maxBytes {
			chunks = append(chunks, rest)
			break
		}

		prefix := wecom.TruncateUTF8(rest, maxBytes)
		cut := splitPoint(prefix)

		chunk := strings.TrimRight(rest[:cut], " \t")
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		rest = strings.TrimLeft(rest[cut:], " \t")
	}
	return chunks
}

// splitPoint picks the byte offset to cut a full prefix at: after a
// sentence ender in the last 25%, else at the last space, else the whole
// prefix.
func splitPoint(prefix string) int {
	lastQuarter := len(prefix) * 3 / 4
	if idx := strings.LastIndexAny(prefix, sentenceEnders); idx >= lastQuarter {
		_, size := utf8.DecodeRuneInString(prefix[idx:])
		return idx + size
	}
	if idx := strings.LastIndexByte(prefix, ' '); idx > 0 {
		return idx
	}
	return len(prefix)
}
