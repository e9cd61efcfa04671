package cmd

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/clawworker/internal/config"
	"github.com/nextlevelbuilder/clawworker/pkg/protocol"
)

// gatewayAddr is the dialable host:port of the local gateway.
func gatewayAddr(cfg *config.Config) string {
	host := cfg.Gateway.Host
	if host == "0.0.0.0" || host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(cfg.Gateway.Port))
}

// isGatewayReachable reports whether something accepts TCP on the gateway
// address.
func isGatewayReachable(cfg *config.Config) bool {
	conn, err := net.DialTimeout("tcp", gatewayAddr(cfg), 2*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// dialGateway opens an authenticated WebSocket to the gateway.
func dialGateway(cfg *config.Config) (*websocket.Conn, error) {
	u := url.URL{Scheme: "ws", Host: gatewayAddr(cfg), Path: "/ws"}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("connect to gateway at %s: %w", u.String(), err)
	}
	if err := wsConnect(conn, cfg.Gateway.Token); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// wsConnect sends the connect handshake and waits for its response.
func wsConnect(conn *websocket.Conn, token string) error {
	params, _ := json.Marshal(map[string]string{"token": token, "user_id": "cli"})
	req := protocol.RequestFrame{
		Type:   protocol.FrameTypeRequest,
		ID:     "cli-connect",
		Method: protocol.MethodConnect,
		Params: params,
	}
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("send connect: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	defer conn.SetReadDeadline(time.Time{})
	resp, err := readResponse(conn, req.ID, nil)
	if err != nil {
		return fmt.Errorf("read connect response: %w", err)
	}
	if !resp.OK {
		return fmt.Errorf("connect rejected: %s", responseError(resp))
	}
	return nil
}

// gatewayRPC performs one request against the running gateway and returns
// its response frame.
func gatewayRPC(cfg *config.Config, method string, params any) (*protocol.ResponseFrame, error) {
	conn, err := dialGateway(cfg)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	req := protocol.RequestFrame{
		Type:   protocol.FrameTypeRequest,
		ID:     uuid.NewString()[:8],
		Method: method,
		Params: raw,
	}
	if err := conn.WriteJSON(req); err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	return readResponse(conn, req.ID, nil)
}

// readResponse reads frames until the response for id arrives. Events seen
// on the way are passed to onEvent when it is non-nil.
func readResponse(conn *websocket.Conn, id string, onEvent func(protocol.EventFrame)) (*protocol.ResponseFrame, error) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("read: %w", err)
		}

		frameType, _ := protocol.ParseFrameType(msg)
		switch frameType {
		case protocol.FrameTypeEvent:
			if onEvent == nil {
				continue
			}
			var ev protocol.EventFrame
			if err := json.Unmarshal(msg, &ev); err == nil {
				onEvent(ev)
			}
		case protocol.FrameTypeResponse:
			var resp protocol.ResponseFrame
			if err := json.Unmarshal(msg, &resp); err != nil {
				return nil, fmt.Errorf("parse response: %w", err)
			}
			if resp.ID == id {
				return &resp, nil
			}
		}
	}
}

func responseError(resp *protocol.ResponseFrame) string {
	if resp.Error != nil {
		return resp.Error.Message
	}
	return "unknown error"
}

// decodePayload re-decodes a response payload into v.
func decodePayload(resp *protocol.ResponseFrame, v any) error {
	raw, err := json.Marshal(resp.Payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
