package internal

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/relaymux/relaymux"
	"github.com/relaymux/relaymux/examples/messages"
)

// SendMessages uses the given number of goroutines to send batches of echo
// exchanges through peer until d has elapsed. It returns how many exchanges
// completed. Every batch is checked against what the server echoed.
func SendMessages(ctx context.Context, peer relaymux.PeerHandle, workers int, d time.Duration) (int64, error) {
	var done atomic.Bool
	var count atomic.Int64
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	grp, ctx := errgroup.WithContext(ctx)
	client := messages.NewClient(peer)
	for i := range workers {
		grp.Go(func() error {
			for j := 0; !done.Load(); j++ {
				if err := doBatch(ctx, client, fmt.Sprintf("worker-%d", i), j); err != nil {
					return err
				}
				count.Add(1)
			}
			return nil
		})
	}
	stop := time.AfterFunc(d, func() {
		done.Store(true)
		time.AfterFunc(time.Second, cancel)
	})
	defer stop.Stop()
	err := grp.Wait()
	return count.Load(), err
}

func doBatch(ctx context.Context, client *messages.Client, name string, batch int) error {
	texts := make([]string, 10)
	for i := range texts {
		texts[i] = fmt.Sprintf("%s/%d/%d/%s", name, batch, i, strings.Repeat("x", 100*i))
	}
	echoed, err := client.Echo(ctx, name, texts)
	if err != nil {
		return err
	}
	if !slices.Equal(texts, echoed) {
		return fmt.Errorf("batch %d for %s: got %d items back, not the %d sent", batch, name, len(echoed), len(texts))
	}
	return nil
}
