package transport

import (
	"context"
	"crypto/tls"
	"ensock/config"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// devTLS generates a self-signed certificate that doubles as the CA, and returns the hub and peer
// configurations built from it.
func devTLS(t *testing.T) (server, client *tls.Config, tc config.TLSConfig) {
	t.Helper()

	dir := t.TempDir()
	tc = config.TLSConfig{
		Cert:       filepath.Join(dir, "cert.pem"),
		Key:        filepath.Join(dir, "key.pem"),
		ClientAuth: true,
	}
	if err := tc.GenerateDevCertificate([]string{"localhost", "127.0.0.1"}, time.Hour); err != nil {
		t.Fatal(err)
	}
	tc.CA = tc.Cert

	server, err := tc.ServerTLS()
	if err != nil {
		t.Fatal(err)
	}
	client, err = tc.ClientTLS("localhost")
	if err != nil {
		t.Fatal(err)
	}
	return server, client, tc
}

// serveEcho runs Serve on l, answering each frame with "echo:" + frame. Frames seen by the server are
// reported on the returned channel.
func serveEcho(ctx context.Context, l Listener) <-chan string {
	seen := make(chan string, 16)
	go Serve(ctx, l, func(ctx context.Context, c Conn) {
		defer c.Close()
		for {
			frame, err := c.Recv()
			if err != nil {
				return
			}
			seen <- string(frame)
			c.Send(append([]byte("echo:"), frame...))
		}
	})
	return seen
}

var errRecvTimeout = errors.New("timed out waiting for a frame")

func recvWithin(c Conn, d time.Duration) ([]byte, error) {
	type result struct {
		frame []byte
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		frame, err := c.Recv()
		ch <- result{frame, err}
	}()
	select {
	case r := <-ch:
		return r.frame, r.err
	case <-time.After(d):
		return nil, errRecvTimeout
	}
}

func TestMutualTLSEcho(t *testing.T) {
	for _, name := range []string{NameTLS, NameQUIC} {
		t.Run(name, func(t *testing.T) {
			server, client, _ := devTLS(t)

			l, err := Listen(name, "127.0.0.1:0", server)
			if err != nil {
				t.Fatal(err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			seen := serveEcho(ctx, l)

			d, err := NewDialer(name, l.Addr().String(), client)
			if err != nil {
				t.Fatal(err)
			}
			c, err := d.Dial(ctx)
			if err != nil {
				t.Fatal(err)
			}
			defer c.Close()

			if err := c.Send([]byte("hello")); err != nil {
				t.Fatal(err)
			}
			got, err := recvWithin(c, 5*time.Second)
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != "echo:hello" {
				t.Fatalf("client got %q", got)
			}

			select {
			case s := <-seen:
				if s != "hello" {
					t.Fatalf("server got %q", s)
				}
			case <-time.After(time.Second):
				t.Fatal("server did not see the frame")
			}
		})
	}
}

func TestClientWithoutCertificateIsRejected(t *testing.T) {
	for _, name := range []string{NameTLS, NameQUIC} {
		t.Run(name, func(t *testing.T) {
			server, _, tc := devTLS(t)

			// Trusts the hub but has nothing to present
			anon := config.TLSConfig{CA: tc.CA}
			client, err := anon.ClientTLS("localhost")
			if err != nil {
				t.Fatal(err)
			}
			if len(client.Certificates) != 0 {
				t.Fatal("client should carry no certificate")
			}

			l, err := Listen(name, "127.0.0.1:0", server)
			if err != nil {
				t.Fatal(err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			seen := serveEcho(ctx, l)

			d, err := NewDialer(name, l.Addr().String(), client)
			if err != nil {
				t.Fatal(err)
			}

			// With TLS 1.3 the client may finish its side of the handshake before the hub refuses it,
			// so the failure can surface on Dial, Send or Recv.
			c, err := d.Dial(ctx)
			if err == nil {
				defer c.Close()
				if err = c.Send([]byte("hello")); err == nil {
					_, err = recvWithin(c, 5*time.Second)
				}
			}
			if err == nil || errors.Is(err, errRecvTimeout) {
				t.Fatalf("expected the connection to be refused, got %v", err)
			}

			select {
			case s := <-seen:
				t.Fatalf("server accepted frame %q from an unauthenticated client", s)
			default:
			}
		})
	}
}
