package commands

import (
	"context"
	"ensock/config"
	"time"
)

// RunSay joins the hub, sends one "say" message and leaves.
func RunSay(ctx context.Context, cfg *config.Config, text string, timeout time.Duration) {
	p := newPeer(cfg)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	accepted := p.Accepted()
	done := make(chan error, 1)
	go func() {
		done <- p.Run(ctx)
	}()

	select {
	case <-accepted:
	case <-ctx.Done():
		log.Fatalf("Hub did not accept the connection within %v", timeout)
	}

	if err := p.SendMessage(MethodSay, &SayParams{Text: text}); err != nil {
		log.Fatalf("Failed to send: %v", err)
	}
	log.Infof("Sent %q to hub %s", text, p.Hub().ID.String())

	// Give the writer a moment before the connection is torn down
	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done
}
