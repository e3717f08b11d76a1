package bot

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkarppi/telegram-qc-bot/internal/ai"
	"github.com/mkarppi/telegram-qc-bot/internal/product"
	"github.com/mkarppi/telegram-qc-bot/internal/qc"
	"github.com/mkarppi/telegram-qc-bot/internal/storage"
)

type fakeSender struct {
	mu       sync.Mutex
	messages []string
	edits    []string
	nextID   int
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		f.messages = append(f.messages, msg.Text)
	}
	f.nextID++
	return tgbotapi.Message{MessageID: f.nextID}, nil
}

func (f *fakeSender) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if edit, ok := c.(tgbotapi.EditMessageTextConfig); ok {
		f.edits = append(f.edits, edit.Text)
	}
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeSender) lastMessage() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.messages) == 0 {
		return ""
	}
	return f.messages[len(f.messages)-1]
}

func (f *fakeSender) anyMessageContains(sub string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.messages {
		if strings.Contains(m, sub) {
			return true
		}
	}
	return false
}

func (f *fakeSender) anyEditContains(sub string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.edits {
		if strings.Contains(e, sub) {
			return true
		}
	}
	return false
}

type stubGateway struct {
	identify func(ctx context.Context, in ai.IdentifyInput) (*product.Details, error)
	inspect  func(ctx context.Context, in ai.InspectInput) (*product.QCReport, error)
}

func (s *stubGateway) Identify(ctx context.Context, in ai.IdentifyInput) (*product.Details, error) {
	if s.identify == nil {
		return &product.Details{Name: "Stub Product", SKU: "STUB-1"}, nil
	}
	return s.identify(ctx, in)
}

func (s *stubGateway) Inspect(ctx context.Context, in ai.InspectInput) (*product.QCReport, error) {
	if s.inspect == nil {
		return &product.QCReport{ID: "r1", Status: product.ReportPass, OverallScore: 90, Summary: "OK"}, nil
	}
	return s.inspect(ctx, in)
}

type stubProvider struct{ gw qc.Gateway }

func (s stubProvider) ForUser(ctx context.Context, ownerID int64) (qc.Gateway, error) {
	return s.gw, nil
}

type fixture struct {
	bot    *Bot
	sender *fakeSender
	orch   *qc.Orchestrator
	store  *storage.SQLiteStore
}

func newFixture(t *testing.T, gw qc.Gateway) *fixture {
	t.Helper()
	key, err := storage.DeriveKey("test")
	require.NoError(t, err)
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "bot.db"), key)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	orch := qc.New(context.Background(), store, stubProvider{gw}, nil, nil)
	sender := &fakeSender{}
	fileURL := func(fileID string) (string, error) {
		return "", fmt.Errorf("no file server configured")
	}
	return &fixture{
		bot:    NewBot(sender, fileURL, orch, store),
		sender: sender,
		orch:   orch,
		store:  store,
	}
}

func commandUpdate(chatID int64, text string) tgbotapi.Update {
	cmdLen := len(text)
	if space := strings.Index(text, " "); space != -1 {
		cmdLen = space
	}
	return tgbotapi.Update{Message: &tgbotapi.Message{
		Text: text,
		Chat: &tgbotapi.Chat{ID: chatID},
		Entities: []tgbotapi.MessageEntity{
			{Type: "bot_command", Offset: 0, Length: cmdLen},
		},
	}}
}

func textUpdate(chatID int64, text string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		Text: text,
		Chat: &tgbotapi.Chat{ID: chatID},
	}}
}

func TestHelpCommand(t *testing.T) {
	f := newFixture(t, &stubGateway{})
	f.bot.HandleUpdate(context.Background(), commandUpdate(1, "/start"))
	assert.Contains(t, f.sender.lastMessage(), "Commands:")
}

func TestModeCommand(t *testing.T) {
	f := newFixture(t, &stubGateway{})

	f.bot.HandleUpdate(context.Background(), commandUpdate(1, "/mode turbo"))
	assert.Contains(t, f.sender.lastMessage(), "Usage: /mode")

	f.bot.HandleUpdate(context.Background(), commandUpdate(1, "/mode detailed"))
	settings, err := f.store.GetSettings(1)
	require.NoError(t, err)
	assert.Equal(t, "detailed", settings.Mode)
}

func TestStrictCommand(t *testing.T) {
	f := newFixture(t, &stubGateway{})

	f.bot.HandleUpdate(context.Background(), commandUpdate(1, "/strict on"))
	settings, err := f.store.GetSettings(1)
	require.NoError(t, err)
	assert.True(t, settings.Strict)

	f.bot.HandleUpdate(context.Background(), commandUpdate(1, "/strict off"))
	settings, err = f.store.GetSettings(1)
	require.NoError(t, err)
	assert.False(t, settings.Strict)
}

func TestAPIKeyCommand(t *testing.T) {
	f := newFixture(t, &stubGateway{})

	f.bot.HandleUpdate(context.Background(), commandUpdate(1, "/apikey"))
	assert.Contains(t, f.sender.lastMessage(), "Usage: /apikey")

	f.bot.HandleUpdate(context.Background(), commandUpdate(1, "/apikey AIza-test"))
	settings, err := f.store.GetSettings(1)
	require.NoError(t, err)
	assert.Equal(t, "AIza-test", settings.APIKey)
}

func TestListCommand_empty(t *testing.T) {
	f := newFixture(t, &stubGateway{})
	f.bot.HandleUpdate(context.Background(), commandUpdate(1, "/list"))
	assert.Contains(t, f.sender.lastMessage(), "No products yet")
}

func TestURLMessage_startsIdentification(t *testing.T) {
	f := newFixture(t, &stubGateway{})

	f.bot.HandleUpdate(context.Background(), textUpdate(1, "https://shop.example/p/1"))

	require.Eventually(t, func() bool {
		products, err := f.orch.Products(1)
		return err == nil && len(products) == 1 && products[0].Details.Name == "Stub Product"
	}, 5*time.Second, 50*time.Millisecond)

	// The status message eventually becomes the identification result.
	require.Eventually(t, func() bool {
		return f.sender.anyEditContains("Stub Product")
	}, 5*time.Second, 100*time.Millisecond)
}

func TestPlainText_getsHint(t *testing.T) {
	f := newFixture(t, &stubGateway{})
	f.bot.HandleUpdate(context.Background(), textUpdate(1, "hello there"))
	assert.Contains(t, f.sender.lastMessage(), "Send a product photo")
}

func TestQCFlow(t *testing.T) {
	inspected := make(chan ai.InspectInput, 1)
	gw := &stubGateway{
		inspect: func(ctx context.Context, in ai.InspectInput) (*product.QCReport, error) {
			inspected <- in
			return &product.QCReport{ID: "r1", Status: product.ReportWarning, OverallScore: 70, Summary: "Minor issues", Images: in.NewMedia, StrictMode: in.Strict}, nil
		},
	}
	f := newFixture(t, gw)

	// Serve photo bytes for the Telegram file download.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("jpeg bytes"))
	}))
	defer server.Close()
	f.bot.fileURL = func(fileID string) (string, error) { return server.URL + "/" + fileID, nil }

	// Create a product to inspect.
	_, err := f.orch.StartIdentification(context.Background(), 1, "https://shop.example/p/1", true, ai.ModeFast)
	require.NoError(t, err)
	f.orch.Wait()

	f.bot.HandleUpdate(context.Background(), commandUpdate(1, "/qc 1"))
	assert.Contains(t, f.sender.lastMessage(), "Send photos")

	// Evidence photo routed into the pending session, not a new identification.
	f.bot.HandleUpdate(context.Background(), tgbotapi.Update{Message: &tgbotapi.Message{
		Chat:  &tgbotapi.Chat{ID: 1},
		Photo: []tgbotapi.PhotoSize{{FileID: "small"}, {FileID: "big"}},
	}})

	require.Eventually(t, func() bool {
		return f.sender.anyMessageContains("Evidence added (1 collected)")
	}, 2*time.Second, 20*time.Millisecond)

	f.bot.HandleUpdate(context.Background(), commandUpdate(1, "/done"))

	select {
	case in := <-inspected:
		require.Len(t, in.NewMedia, 1)
		assert.True(t, strings.HasPrefix(in.NewMedia[0], "data:image/jpeg;base64,"))
	case <-time.After(5 * time.Second):
		t.Fatal("inspection was never invoked")
	}

	f.orch.Wait()
	products, err := f.orch.Products(1)
	require.NoError(t, err)
	require.Len(t, products, 1)
	require.Len(t, products[0].Reports, 1)
	assert.Equal(t, product.ReportWarning, products[0].Reports[0].Status)

	// Only one product exists: the evidence photo did not become a new one.
	assert.Len(t, products, 1)
}

func TestDoneWithoutSession(t *testing.T) {
	f := newFixture(t, &stubGateway{})
	f.bot.HandleUpdate(context.Background(), commandUpdate(1, "/done"))
	assert.Contains(t, f.sender.lastMessage(), "No QC in progress")
}

func TestDoneWithoutEvidence(t *testing.T) {
	f := newFixture(t, &stubGateway{})

	_, err := f.orch.StartIdentification(context.Background(), 1, "https://shop.example/p/1", true, ai.ModeFast)
	require.NoError(t, err)
	f.orch.Wait()

	f.bot.HandleUpdate(context.Background(), commandUpdate(1, "/qc 1"))
	f.bot.HandleUpdate(context.Background(), commandUpdate(1, "/done"))
	assert.Contains(t, f.sender.lastMessage(), "No evidence media")
}

func TestCancelCommand(t *testing.T) {
	f := newFixture(t, &stubGateway{})

	_, err := f.orch.StartIdentification(context.Background(), 1, "https://shop.example/p/1", true, ai.ModeFast)
	require.NoError(t, err)
	f.orch.Wait()

	f.bot.HandleUpdate(context.Background(), commandUpdate(1, "/qc 1"))
	f.bot.HandleUpdate(context.Background(), commandUpdate(1, "/cancel"))
	assert.Contains(t, f.sender.lastMessage(), "QC cancelled")

	f.bot.HandleUpdate(context.Background(), commandUpdate(1, "/cancel"))
	assert.Contains(t, f.sender.lastMessage(), "Nothing to cancel")
}

func TestDeleteCommand(t *testing.T) {
	f := newFixture(t, &stubGateway{})

	_, err := f.orch.StartIdentification(context.Background(), 1, "https://shop.example/p/1", true, ai.ModeFast)
	require.NoError(t, err)
	f.orch.Wait()

	f.bot.HandleUpdate(context.Background(), commandUpdate(1, "/delete 1"))
	assert.Contains(t, f.sender.lastMessage(), "Deleted")

	products, err := f.orch.Products(1)
	require.NoError(t, err)
	assert.Empty(t, products)
}

func TestDeleteCommand_badIndex(t *testing.T) {
	f := newFixture(t, &stubGateway{})
	f.bot.HandleUpdate(context.Background(), commandUpdate(1, "/delete nope"))
	assert.Contains(t, f.sender.lastMessage(), "Usage: /delete")
}

func TestRestrictTo(t *testing.T) {
	f := newFixture(t, &stubGateway{})
	f.bot.RestrictTo(7)

	f.bot.HandleUpdate(context.Background(), commandUpdate(1, "/list"))
	assert.Contains(t, f.sender.lastMessage(), "private")

	f.bot.HandleUpdate(context.Background(), commandUpdate(7, "/list"))
	assert.Contains(t, f.sender.lastMessage(), "No products yet")
}

func TestEscapeMarkdown(t *testing.T) {
	assert.Equal(t, "a\\_b \\*c\\* \\`d\\` \\[e]", escapeMarkdown("a_b *c* `d` [e]"))
}

func TestRenderReport(t *testing.T) {
	p := product.Product{
		Details: product.Details{Name: "Air Force 1"},
		Status:  product.StatusIdle,
		Reports: []product.QCReport{{
			Status:       product.ReportFail,
			OverallScore: 35,
			Summary:      "Counterfeit indicators present.",
			Faults: []product.Fault{
				{Location: "tongue label", Issue: "wrong font", Severity: product.SeverityCritical},
			},
			Sections: []product.Section{
				{Title: "Stitching", Score: 40, Status: product.SectionFail, Details: []string{"Uneven double stitch"}},
			},
			FollowUp: product.FollowUp{Required: true, MissingInfo: "sole closeup", SuggestedAngles: []string{"outsole"}},
		}},
	}

	out := renderReport(p)
	assert.Contains(t, out, "FAIL")
	assert.Contains(t, out, "35/100")
	assert.Contains(t, out, "tongue label")
	assert.Contains(t, out, "Uneven double stitch")
	assert.Contains(t, out, "sole closeup")
	assert.Contains(t, out, "outsole")
}
