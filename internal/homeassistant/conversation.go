package homeassistant

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/nugget/qqbot-ha/internal/httpkit"
)

// Replies returned by [Conversation.Ask] when no speech is available.
// They go straight to the chat group, so none carries error detail.
const (
	MsgMalformed = "消息格式错误"
	MsgStatusFmt = "API请求失败: %d"
	MsgTLS       = "Home Assistant SSL连接失败"
	MsgTimeout   = "Home Assistant 响应超时"
	MsgConnect   = "无法连接到 Home Assistant"
	MsgFailed    = "调用 Home Assistant 失败"
)

// API shapes of the conversation endpoint.
const (
	// APIService calls conversation.process as a service with
	// return_response. Available since Home Assistant 2023.7.
	APIService = "service"

	// APILegacy calls the older /api/conversation/process endpoint.
	APILegacy = "legacy"
)

const (
	servicePath = "/api/services/conversation/process?return_response"
	legacyPath  = "/api/conversation/process"
)

// ConversationConfig selects the agent and request shape.
type ConversationConfig struct {
	AgentID  string
	API      string
	Language string
}

// Conversation turns chat text into an assistant reply.
type Conversation struct {
	client *Client
	cfg    ConversationConfig
}

// NewConversation binds a conversation agent to client. An empty API
// selects [APIService].
func NewConversation(client *Client, cfg ConversationConfig) *Conversation {
	if cfg.API == "" {
		cfg.API = APIService
	}
	return &Conversation{client: client, cfg: cfg}
}

type serviceRequest struct {
	Text    string `json:"text"`
	AgentID string `json:"agent_id"`
}

type legacyRequest struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
	AgentID  string `json:"agent_id,omitempty"`
}

// conversationResult is the conversation agent's result object.
type conversationResult struct {
	Response *struct {
		Speech *struct {
			Plain *struct {
				Speech *string `json:"speech"`
			} `json:"plain"`
		} `json:"speech"`
	} `json:"response"`
}

func (r *conversationResult) speech() (string, bool) {
	if r == nil || r.Response == nil || r.Response.Speech == nil ||
		r.Response.Speech.Plain == nil || r.Response.Speech.Plain.Speech == nil {
		return "", false
	}
	return *r.Response.Speech.Plain.Speech, true
}

type serviceResponse struct {
	ServiceResponse *conversationResult `json:"service_response"`
}

// Ask sends text to the conversation agent and returns the string to
// show in chat. It never fails: every error becomes one of the Msg
// replies, with the detail logged.
func (c *Conversation) Ask(ctx context.Context, text string) string {
	ctx, cancel := context.WithTimeout(ctx, AskTimeout)
	defer cancel()

	path, body := c.request(text)
	log := c.client.logger.With("api", c.cfg.API, "agent_id", c.cfg.AgentID)

	resp, err := c.client.post(ctx, path, body)
	if err != nil {
		class := httpkit.Classify(err)
		log.Error("conversation request failed", "class", class.String(), "error", err)
		return transportMessage(class)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		log.Error("conversation request rejected",
			"status", resp.StatusCode,
			"body", httpkit.ReadErrorBody(resp.Body, 512),
		)
		return fmt.Sprintf(MsgStatusFmt, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		class := httpkit.Classify(err)
		log.Error("reading conversation response failed", "class", class.String(), "error", err)
		return transportMessage(class)
	}
	log.Log(ctx, levelTrace, "conversation response", "body", string(raw))

	speech, ok := c.extract(raw)
	if !ok {
		log.Warn("conversation response missing speech", "body", httpkit.Truncate(string(raw), 200))
		return MsgMalformed
	}

	log.Debug("conversation answered", "speech_len", len(speech))
	return speech
}

func (c *Conversation) request(text string) (string, any) {
	if c.cfg.API == APILegacy {
		return legacyPath, legacyRequest{Text: text, Language: c.cfg.Language, AgentID: c.cfg.AgentID}
	}
	return servicePath, serviceRequest{Text: text, AgentID: c.cfg.AgentID}
}

func (c *Conversation) extract(raw []byte) (string, bool) {
	if c.cfg.API == APILegacy {
		var r conversationResult
		if err := json.Unmarshal(raw, &r); err != nil {
			return "", false
		}
		return r.speech()
	}

	var r serviceResponse
	if err := json.Unmarshal(raw, &r); err != nil {
		return "", false
	}
	return r.ServiceResponse.speech()
}

func transportMessage(class httpkit.ErrorClass) string {
	switch class {
	case httpkit.ClassTLS:
		return MsgTLS
	case httpkit.ClassTimeout:
		return MsgTimeout
	case httpkit.ClassConnection:
		return MsgConnect
	default:
		return MsgFailed
	}
}

// levelTrace matches config.LevelTrace without importing config.
const levelTrace = -8
