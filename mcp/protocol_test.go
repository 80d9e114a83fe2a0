package mcp

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestJSONRPCRequest_ParsesRawParams(t *testing.T) {
	// A tools/call line as the agent CLI writes it: params stay raw until
	// the method handler knows which shape to decode.
	line := `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"approval_prompt","arguments":{"tool_name":"Edit","input":{"file_path":"main.go"}}}}`

	var req JSONRPCRequest
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	if req.Method != "tools/call" {
		t.Errorf("Method = %q, want %q", req.Method, "tools/call")
	}

	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		t.Fatalf("unmarshal params: %v", err)
	}
	if params.Name != "approval_prompt" {
		t.Errorf("Name = %q, want %q", params.Name, "approval_prompt")
	}
	if params.Arguments["tool_name"] != "Edit" {
		t.Errorf("tool_name = %v, want Edit", params.Arguments["tool_name"])
	}
	input, ok := params.Arguments["input"].(map[string]any)
	if !ok || input["file_path"] != "main.go" {
		t.Errorf("input = %v, want nested object with file_path", params.Arguments["input"])
	}
}

func TestJSONRPCRequest_IDTypes(t *testing.T) {
	// Responses echo the request id verbatim. JSON numbers decode to
	// float64, which is what the approval flow correlates on.
	tests := []struct {
		name   string
		line   string
		wantID any
	}{
		{"numeric id", `{"jsonrpc":"2.0","id":7,"method":"tools/list"}`, float64(7)},
		{"string id", `{"jsonrpc":"2.0","id":"req-abc","method":"tools/list"}`, "req-abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req JSONRPCRequest
			if err := json.Unmarshal([]byte(tt.line), &req); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if req.ID != tt.wantID {
				t.Errorf("ID = %v (%T), want %v (%T)", req.ID, req.ID, tt.wantID, tt.wantID)
			}
		})
	}
}

func TestJSONRPCResponse_WireFormat(t *testing.T) {
	t.Run("success omits error", func(t *testing.T) {
		data, err := json.Marshal(JSONRPCResponse{
			JSONRPC: "2.0",
			ID:      1,
			Result:  map[string]string{"status": "ok"},
		})
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		want := `{"jsonrpc":"2.0","id":1,"result":{"status":"ok"}}`
		if string(data) != want {
			t.Errorf("wire = %s, want %s", data, want)
		}
	})

	t.Run("error omits result", func(t *testing.T) {
		data, err := json.Marshal(JSONRPCResponse{
			JSONRPC: "2.0",
			ID:      1,
			Error:   &RPCError{Code: -32600, Message: "Invalid Request"},
		})
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		want := `{"jsonrpc":"2.0","id":1,"error":{"code":-32600,"message":"Invalid Request"}}`
		if string(data) != want {
			t.Errorf("wire = %s, want %s", data, want)
		}
	})
}

func TestInitializeResult_WireKeys(t *testing.T) {
	data, err := json.Marshal(InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    Capability{Tools: &ToolCapability{}},
		ServerInfo:      ServerInfo{Name: ServerName, Version: ServerVersion},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	// The CLI matches these camelCase keys exactly.
	for _, want := range []string{`"protocolVersion":"2024-11-05"`, `"capabilities":{"tools":{}}`, `"serverInfo"`, `"chorus-approval"`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("wire missing %s:\n%s", want, data)
		}
	}
}

func TestToolDefinition_SchemaWireKeys(t *testing.T) {
	data, err := json.Marshal(ToolDefinition{
		Name:        ToolName,
		Description: "Handle tool approval prompts",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"tool_name": {Type: "string", Description: "Name of the tool"},
			},
			Required: []string{"tool_name"},
		},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	if !strings.Contains(string(data), `"inputSchema":{"type":"object"`) {
		t.Errorf("schema key must be camelCase inputSchema:\n%s", data)
	}
	if !strings.Contains(string(data), `"required":["tool_name"]`) {
		t.Errorf("wire missing required list:\n%s", data)
	}
}

func TestToolCallResult_WireFormat(t *testing.T) {
	t.Run("success omits isError", func(t *testing.T) {
		data, err := json.Marshal(ToolCallResult{
			Content: []ContentItem{{Type: "text", Text: "Approval granted"}},
		})
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		want := `{"content":[{"type":"text","text":"Approval granted"}]}`
		if string(data) != want {
			t.Errorf("wire = %s, want %s", data, want)
		}
	})

	t.Run("failure carries isError", func(t *testing.T) {
		data, err := json.Marshal(ToolCallResult{
			Content: []ContentItem{{Type: "text", Text: "Approval denied"}},
			IsError: true,
		})
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if !strings.Contains(string(data), `"isError":true`) {
			t.Errorf("wire missing isError flag:\n%s", data)
		}
	})
}

func TestApprovalRequest_WireFormat(t *testing.T) {
	data, err := json.Marshal(ApprovalRequest{
		ID:          float64(1),
		Tool:        "Bash",
		Description: "Run: git status",
		Arguments:   map[string]any{"command": "git status"},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"id":1,"tool":"Bash","description":"Run: git status","arguments":{"command":"git status"}}`
	if string(data) != want {
		t.Errorf("wire = %s, want %s", data, want)
	}
}

func TestApprovalResponse_SocketRoundTrip(t *testing.T) {
	resp := ApprovalResponse{
		ID:           float64(9),
		Allowed:      true,
		Always:       true,
		UpdatedInput: map[string]any{"command": "git status --short"},
	}

	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded ApprovalResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.ID != float64(9) {
		t.Errorf("ID = %v (%T), want float64 9", decoded.ID, decoded.ID)
	}
	if !decoded.Allowed || !decoded.Always {
		t.Errorf("flags = (%v, %v), want both true", decoded.Allowed, decoded.Always)
	}
	if decoded.UpdatedInput["command"] != "git status --short" {
		t.Errorf("UpdatedInput = %v", decoded.UpdatedInput)
	}
}

func TestApprovalResponse_DenialIsExplicit(t *testing.T) {
	// The subprocess reads allowed:false as a decision, so the field must
	// appear on the wire even at its zero value.
	data, err := json.Marshal(ApprovalResponse{ID: float64(2), Message: "User denied this action"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"allowed":false`) {
		t.Errorf("wire missing explicit allowed:false:\n%s", data)
	}
}

func TestApprovalResult_WireFormat(t *testing.T) {
	t.Run("allow includes updated input", func(t *testing.T) {
		data, err := json.Marshal(ApprovalResult{
			Behavior:     "allow",
			UpdatedInput: map[string]any{"command": "git status"},
		})
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		want := `{"behavior":"allow","updatedInput":{"command":"git status"}}`
		if string(data) != want {
			t.Errorf("wire = %s, want %s", data, want)
		}
	})

	t.Run("deny includes message only", func(t *testing.T) {
		data, err := json.Marshal(ApprovalResult{
			Behavior: "deny",
			Message:  "User denied this action",
		})
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		want := `{"behavior":"deny","message":"User denied this action"}`
		if string(data) != want {
			t.Errorf("wire = %s, want %s", data, want)
		}
	})
}
