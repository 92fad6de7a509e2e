package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
)

// Encode-time failures. The orchestrator maps these to HTTP statuses; none of
// them ever reaches the wire.
var (
	ErrNoMapping       = errors.New("no command mapped for route")
	ErrInvalidName     = errors.New("invalid plugin name")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrInvalidBody     = errors.New("invalid request body")
)

// MaxPluginPayload caps application payloads destined for a plugin.
const MaxPluginPayload = 512

// Sequence grid geometry: 16 cells per row, two cells packed into 3 bytes.
const (
	sequenceRowBytes = 24
	sequenceMaxRows  = 16
)

var pluginNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Kind selects how a response payload is rendered back to HTTP.
type Kind int

const (
	KindJSON Kind = iota
	KindText
)

// Request is an encoded command frame plus the metadata the orchestrator
// needs to drive it: response rendering and retry eligibility.
type Request struct {
	Frame    Frame
	Kind     Kind
	Critical bool
}

type colorBody struct {
	R *int `json:"r"`
	G *int `json:"g"`
	B *int `json:"b"`
}

// EncodeRequest maps an HTTP method+path (and body) to a command frame.
// Unmapped routes return ErrNoMapping. State-mutating commands are marked
// critical; those are the ones the orchestrator retries.
func EncodeRequest(method, path string, body []byte) (*Request, error) {
	if name, ok := pluginDataRoute(method, path); ok {
		return encodePluginData(name, body)
	}

	switch method + " " + path {
	case "GET /api/nodes":
		return newRequest(CmdAPINodes, nil, KindJSON, false), nil
	case "GET /api/color":
		return newRequest(CmdAPIColorGet, nil, KindJSON, false), nil
	case "POST /api/color":
		payload, err := encodeColor(body)
		if err != nil {
			return nil, err
		}
		return newRequest(CmdAPIColorPost, payload, KindJSON, true), nil
	case "POST /api/sequence":
		if err := validateSequence(body); err != nil {
			return nil, err
		}
		return newRequest(CmdAPISequencePost, body, KindJSON, true), nil
	case "GET /api/sequence/pointer":
		return newRequest(CmdAPISequencePointer, nil, KindText, false), nil
	case "GET /api/sequence/status":
		return newRequest(CmdAPISequenceStatus, nil, KindJSON, false), nil
	case "POST /api/sequence/start":
		return newRequest(CmdAPISequenceStart, nil, KindJSON, true), nil
	case "POST /api/sequence/stop":
		return newRequest(CmdAPISequenceStop, nil, KindJSON, true), nil
	case "POST /api/sequence/reset":
		return newRequest(CmdAPISequenceReset, nil, KindJSON, true), nil
	}

	return nil, fmt.Errorf("%w: %s %s", ErrNoMapping, method, path)
}

func newRequest(cmd byte, payload []byte, kind Kind, critical bool) *Request {
	return &Request{
		Frame:    Frame{Cmd: cmd, Seq: NextSeq(), Payload: payload},
		Kind:     kind,
		Critical: critical,
	}
}

func pluginDataRoute(method, path string) (string, bool) {
	if method != http.MethodPost {
		return "", false
	}
	rest, ok := strings.CutPrefix(path, "/api/plugin/")
	if !ok {
		return "", false
	}
	name, ok := strings.CutSuffix(rest, "/data")
	if !ok {
		return "", false
	}
	return name, true
}

// ValidatePluginName checks a plugin path parameter against the allow-listed
// pattern. Shared with the bundle routes served locally by the gateway.
func ValidatePluginName(name string) error {
	if !pluginNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

func encodePluginData(name string, body []byte) (*Request, error) {
	if err := ValidatePluginName(name); err != nil {
		return nil, err
	}
	if len(body) > MaxPluginPayload {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(body), MaxPluginPayload)
	}
	payload := make([]byte, 0, 1+len(name)+len(body))
	payload = append(payload, byte(len(name)))
	payload = append(payload, name...)
	payload = append(payload, body...)
	return newRequest(CmdAPIPluginData, payload, KindJSON, true), nil
}

func encodeColor(body []byte) ([]byte, error) {
	var c colorBody
	if err := json.Unmarshal(body, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	if c.R == nil || c.G == nil || c.B == nil {
		return nil, fmt.Errorf("%w: r, g and b are required", ErrInvalidBody)
	}
	for _, v := range []int{*c.R, *c.G, *c.B} {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("%w: channel value %d out of range 0-255", ErrInvalidBody, v)
		}
	}
	return []byte{byte(*c.R), byte(*c.G), byte(*c.B)}, nil
}

func validateSequence(body []byte) error {
	if len(body) < 2 {
		return fmt.Errorf("%w: sequence body needs tempo and row count", ErrInvalidBody)
	}
	if body[0] < 1 {
		return fmt.Errorf("%w: tempo must be 1-255", ErrInvalidBody)
	}
	rows := int(body[1])
	if rows < 1 || rows > sequenceMaxRows {
		return fmt.Errorf("%w: row count %d out of range 1-%d", ErrInvalidBody, rows, sequenceMaxRows)
	}
	if got, want := len(body)-2, rows*sequenceRowBytes; got != want {
		return fmt.Errorf("%w: %d color bytes for %d rows, want %d", ErrInvalidBody, got, rows, want)
	}
	return nil
}

// Response is a decoded HTTP-shaped result.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// DecodeResponse turns a response frame payload back into an HTTP result.
// The first payload byte is the root node's status (0 = ok). Malformed or
// truncated payloads decode to a 500-equivalent result; they never panic
// past the caller.
func DecodeResponse(cmd byte, kind Kind, payload []byte) Response {
	if len(payload) < 1 {
		return errorResponse("empty response from root node")
	}
	if payload[0] != 0 {
		return errorResponse(fmt.Sprintf("root node reported error status %d", payload[0]))
	}
	data := payload[1:]

	switch cmd {
	case CmdAPINodes:
		if len(data) < 1 {
			return errorResponse("truncated nodes response")
		}
		return jsonResponse(map[string]any{"nodes": int(data[0])})
	case CmdAPIColorGet:
		if len(data) < 4 {
			return errorResponse("truncated color response")
		}
		return jsonResponse(map[string]any{
			"r":      int(data[0]),
			"g":      int(data[1]),
			"b":      int(data[2]),
			"is_set": data[3] != 0,
		})
	case CmdAPISequencePointer:
		if len(data) < 1 {
			return errorResponse("truncated pointer response")
		}
		if kind == KindText {
			return Response{
				Status:      http.StatusOK,
				ContentType: "text/plain; charset=utf-8",
				Body:        []byte(strconv.Itoa(int(data[0]))),
			}
		}
		return jsonResponse(map[string]any{"pointer": int(data[0])})
	case CmdAPISequenceStatus:
		if len(data) < 1 {
			return errorResponse("truncated status response")
		}
		return jsonResponse(map[string]any{"active": data[0] != 0})
	case CmdAPIColorPost, CmdAPISequencePost, CmdAPISequenceStart,
		CmdAPISequenceStop, CmdAPISequenceReset, CmdAPIPluginData:
		return jsonResponse(map[string]any{"success": true})
	}

	return errorResponse(fmt.Sprintf("unexpected response command 0x%02x", cmd))
}

func jsonResponse(v any) Response {
	body, err := json.Marshal(v)
	if err != nil {
		return errorResponse("response encoding failed")
	}
	return Response{
		Status:      http.StatusOK,
		ContentType: "application/json",
		Body:        body,
	}
}

func errorResponse(msg string) Response {
	body, _ := json.Marshal(map[string]string{
		"error": msg,
		"code":  "internal",
	})
	return Response{
		Status:      http.StatusInternalServerError,
		ContentType: "application/json",
		Body:        body,
	}
}
