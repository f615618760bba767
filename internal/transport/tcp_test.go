package transport

import (
	"context"
	"net"
	"testing"
	"time"
)

// echoServer replies to each request with a canned Modbus TCP frame echoing
// the first two header bytes (transaction ID).
func echoServer(t *testing.T) string {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 256)
				for {
					n, err := c.Read(buf)
					if err != nil || n < 2 {
						return
					}
					// Frame: txID, protocol 0, length 3, unit 1, PDU 03 00
					resp := []byte{buf[0], buf[1], 0x00, 0x00, 0x00, 0x03, 0x01, 0x03, 0x00}
					if _, err := c.Write(resp); err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	return listener.Addr().String()
}

func TestTCPTransport_ConnectAndClose(t *testing.T) {
	addr := echoServer(t)
	tr := NewTCPTransport(addr, 2*time.Second)

	if tr.IsConnected() {
		t.Error("Should not be connected before Connect")
	}
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if !tr.IsConnected() {
		t.Error("Should be connected after Connect")
	}

	// Connect is idempotent.
	if err := tr.Connect(context.Background()); err != nil {
		t.Errorf("Second Connect failed: %v", err)
	}

	if err := tr.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if tr.IsConnected() {
		t.Error("Should not be connected after Close")
	}

	// Close is idempotent.
	if err := tr.Close(); err != nil {
		t.Errorf("Second Close failed: %v", err)
	}
}

func TestTCPTransport_Send(t *testing.T) {
	addr := echoServer(t)
	tr := NewTCPTransport(addr, 2*time.Second)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer tr.Close()

	req := []byte{0x12, 0x34, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x01}
	resp, err := tr.Send(context.Background(), req)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if len(resp) != 9 {
		t.Fatalf("Response length: expected 9, got %d", len(resp))
	}
	if resp[0] != 0x12 || resp[1] != 0x34 {
		t.Errorf("Transaction ID not echoed: %x", resp[:2])
	}
}

func TestTCPTransport_SendNotConnected(t *testing.T) {
	tr := NewTCPTransport("127.0.0.1:1", time.Second)

	if _, err := tr.Send(context.Background(), []byte{0x00}); err == nil {
		t.Error("Expected error when sending without a connection")
	}
}

func TestTCPTransport_ConnectRefused(t *testing.T) {
	// Bind a listener and close it to get a port that refuses connections.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	addr := listener.Addr().String()
	listener.Close()

	tr := NewTCPTransport(addr, time.Second)
	if err := tr.Connect(context.Background()); err == nil {
		tr.Close()
		t.Error("Expected connection error")
	}
	if tr.IsConnected() {
		t.Error("Should not report connected after a failed Connect")
	}
}
