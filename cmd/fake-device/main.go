// ABOUTME: Minimal fake device for end-to-end testing that speaks the newline JSON-RPC wire.
// ABOUTME: Usage: fake-device [-addr localhost:7070] [-bind-code CODE | -token TOKEN]

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"time"
)

type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   any             `json:"error,omitempty"`
}

var cannedTools = []map[string]any{
	{
		"name":        "screenshot",
		"description": "Capture the current screen",
		"inputSchema": map[string]any{"type": "object"},
	},
	{
		"name":        "click",
		"description": "Click an element by description",
		"inputSchema": map[string]any{
			"type":       "object",
			"properties": map[string]any{"target": map[string]any{"type": "string"}},
		},
	},
	{
		"name":        "type_text",
		"description": "Type text into the focused element",
		"inputSchema": map[string]any{
			"type":       "object",
			"properties": map[string]any{"text": map[string]any{"type": "string"}},
		},
	},
}

func main() {
	addr := flag.String("addr", "localhost:7070", "gateway device address")
	bindCode := flag.String("bind-code", "", "one-time bind code for first registration")
	token := flag.String("token", "", "device token for reconnection")
	name := flag.String("name", "Fake Device", "device display name")
	flag.Parse()

	if (*bindCode == "") == (*token == "") {
		log.Fatal("exactly one of -bind-code or -token is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, *addr, *bindCode, *token, *name); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, addr, bindCode, token, name string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	enc := json.NewEncoder(conn)
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	params := map[string]any{
		"deviceInfo": map[string]any{
			"name":    name,
			"version": "0.1.0",
			"os":      "linux",
		},
	}
	if bindCode != "" {
		params["bindCode"] = bindCode
	} else {
		params["deviceToken"] = token
	}

	one := int64(1)
	if err := enc.Encode(message{JSONRPC: "2.0", ID: &one, Method: "auth", Params: mustJSON(params)}); err != nil {
		return fmt.Errorf("sending auth: %w", err)
	}

	if !scanner.Scan() {
		return fmt.Errorf("no auth reply: %v", scanner.Err())
	}
	var reply struct {
		Result *struct {
			DeviceID    string `json:"deviceId"`
			DeviceToken string `json:"deviceToken"`
			Message     string `json:"message"`
		} `json:"result"`
		Error *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(scanner.Bytes(), &reply); err != nil {
		return fmt.Errorf("parsing auth reply: %w", err)
	}
	if reply.Error != nil {
		return fmt.Errorf("auth rejected: %s: %s", reply.Error.Code, reply.Error.Message)
	}
	fmt.Fprintf(os.Stderr, "authenticated as %s (%s)\n", reply.Result.DeviceID, reply.Result.Message)
	if reply.Result.DeviceToken != "" {
		fmt.Fprintf(os.Stderr, "device token (save for reconnects): %s\n", reply.Result.DeviceToken)
	}

	// Periodic heartbeats keep the connection alive past the sweep timeout.
	go func() {
		ticker := time.NewTicker(20 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = enc.Encode(message{JSONRPC: "2.0", Method: "heartbeat"})
			}
		}
	}()

	for scanner.Scan() {
		var req message
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			log.Printf("bad frame: %v", err)
			continue
		}
		if req.Method == "" || req.ID == nil {
			continue // notification (ping) or stray response
		}

		switch req.Method {
		case "tools/list":
			_ = enc.Encode(message{JSONRPC: "2.0", ID: req.ID,
				Result: map[string]any{"tools": cannedTools}})
		case "tools/call":
			var call struct {
				Name      string          `json:"name"`
				Arguments json.RawMessage `json:"arguments"`
			}
			_ = json.Unmarshal(req.Params, &call)
			log.Printf("tool call: %s %s", call.Name, string(call.Arguments))
			_ = enc.Encode(message{JSONRPC: "2.0", ID: req.ID,
				Result: map[string]any{
					"content": []map[string]any{
						{"type": "text", "text": fmt.Sprintf("executed %s", call.Name)},
					},
				}})
		default:
			_ = enc.Encode(message{JSONRPC: "2.0", ID: req.ID,
				Error: map[string]any{"code": "METHOD_NOT_FOUND", "message": req.Method}})
		}
	}

	if ctx.Err() != nil {
		return nil
	}
	return scanner.Err()
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}
