package notify

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/bardlex/stratumpool/internal/messaging"
	poolErrors "github.com/bardlex/stratumpool/pkg/errors"
	"github.com/bardlex/stratumpool/pkg/log"
)

var testBlock = messaging.BlockFoundMessage{
	BlockHash:         "000003aca9cf593ff35d538d3ff12bb388970a181a09044e7e127052b891f435",
	BlockHeight:       101,
	MinerAddress:      "bcrt1qw508d6qejxtdg4y5r3zarvary0c5xw7kygt080",
	WorkerName:        "rig1",
	ShareDifficulty:   0.001063063393460617,
	NetworkDifficulty: 4.6565423739069247e-10,
	FoundAt:           time.Unix(1700000060, 0),
}

type recordingNotifier struct {
	name  string
	err   error
	delay time.Duration

	mu     sync.Mutex
	blocks []messaging.BlockFoundMessage
	ctxErr error
}

func (r *recordingNotifier) Name() string { return r.name }

func (r *recordingNotifier) NotifyBlockFound(ctx context.Context, b messaging.BlockFoundMessage) error {
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			r.mu.Lock()
			r.ctxErr = ctx.Err()
			r.mu.Unlock()
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocks = append(r.blocks, b)
	return r.err
}

func TestFanout_DeliversToEveryNotifier(t *testing.T) {
	ok := &recordingNotifier{name: "ok"}
	failing := &recordingNotifier{name: "failing", err: errors.New("webhook down")}
	slow := &recordingNotifier{name: "slow", delay: time.Second}

	f := NewFanout(log.Nop(), 20*time.Millisecond, ok, failing, slow)
	f.Add(NewLog(log.Nop()))

	start := time.Now()
	f.NotifyBlockFound(context.Background(), testBlock)
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("fan-out waited %v, notifier timeout not applied", elapsed)
	}

	if len(ok.blocks) != 1 || ok.blocks[0].BlockHash != testBlock.BlockHash {
		t.Errorf("ok notifier got %v", ok.blocks)
	}
	if len(failing.blocks) != 1 {
		t.Error("failing notifier was not called")
	}
	if !errors.Is(slow.ctxErr, context.DeadlineExceeded) {
		t.Errorf("slow notifier ctx error = %v", slow.ctxErr)
	}
}

type fakeSender struct {
	channel string
	sent    *discordgo.MessageSend
	err     error
}

func (f *fakeSender) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.channel = channelID
	f.sent = data
	return &discordgo.Message{}, f.err
}

func TestDiscord_PostsEmbed(t *testing.T) {
	sender := &fakeSender{}
	d := &Discord{channelID: "1234", sender: sender}

	if err := d.NotifyBlockFound(context.Background(), testBlock); err != nil {
		t.Fatal(err)
	}
	if sender.channel != "1234" || sender.sent == nil || len(sender.sent.Embeds) != 1 {
		t.Fatalf("sent %+v to %q", sender.sent, sender.channel)
	}

	embed := sender.sent.Embeds[0]
	if embed.Title != "Block 101 found" || embed.Color != colorAccepted {
		t.Errorf("embed = %+v", embed)
	}
	if embed.Fields[0].Value != testBlock.MinerAddress+".rig1" {
		t.Errorf("worker field = %q", embed.Fields[0].Value)
	}
	if embed.Timestamp != "2023-11-14T22:14:20Z" {
		t.Errorf("timestamp = %q", embed.Timestamp)
	}
}

func TestBlockEmbed_Rejected(t *testing.T) {
	b := testBlock
	b.Result = "bad-txnmrklroot"
	embed := BlockEmbed(b)
	if embed.Title != "Block 101 rejected" || embed.Color != colorRejected {
		t.Errorf("embed = %+v", embed)
	}
	if embed.Fields[3].Value != "bad-txnmrklroot" {
		t.Errorf("node field = %q", embed.Fields[3].Value)
	}
}

func TestDiscord_PermanentErrorsAreNotRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"unauthorized", discordgo.ErrUnauthorized, false},
		{"forbidden", &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusForbidden}}, false},
		{"transient", errors.New("dial tcp: connection refused"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &Discord{channelID: "1", sender: &fakeSender{err: tt.err}}
			err := d.NotifyBlockFound(context.Background(), testBlock)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := poolErrors.IsRetryable(err); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestNewDiscord_RequiresCredentials(t *testing.T) {
	if _, err := NewDiscord("", "1"); err == nil {
		t.Error("empty token accepted")
	}
}
