package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"e2e_engine/internal/model"
	"e2e_engine/internal/notification"
	"e2e_engine/internal/utils/log"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	notificationBuffer = 128
	shortLength        = 12
)

const helpText = `[gray]commands:
  /id              show your identity
  /add <identity>  trust a contact and connect to its devices
  /to <identity>   chat with a contact
  /contacts        list contacts
anything else is sent to the current contact[-]
`

type (
	App struct {
		app     *tview.Application
		chatbox *tview.TextView
		input   *tview.InputField

		node *Node

		ctx context.Context

		mu sync.Mutex
		to *model.CryptoIdentity
	}
)

func NewApp(node *Node) *App {
	return &App{
		app:  tview.NewApplication(),
		node: node,
	}
}

// short is a display fingerprint; the encoded identity starts with the
// server url so its prefix is shared.
func short(id model.CryptoIdentity) string {
	sum := sha256.Sum256(id.Bytes())
	return hex.EncodeToString(sum[:shortLength/2])
}

// Run blocks until the UI is closed or the node fails for good.
func (c *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.ctx = ctx

	events, unsubscribe := c.node.Subscribe(notificationBuffer)
	defer unsubscribe()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.node.Serve(ctx) })
	g.Go(func() error {
		c.listenOnNotifications(ctx, events)
		return nil
	})
	g.Go(func() error {
		defer cancel()
		return c.renderUI()
	})
	g.Go(func() error {
		<-ctx.Done()
		c.app.Stop()
		return nil
	})
	return g.Wait()
}

// blocking function
func (c *App) renderUI() error {
	c.chatbox = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	c.chatbox.SetBorder(true).SetTitle(fmt.Sprintf(" %s ", short(c.node.Identity())))
	fmt.Fprint(c.chatbox, helpText)

	c.input = tview.NewInputField().
		SetLabel("Message: ").
		SetFieldWidth(0)
	c.input.SetBorder(true).SetTitle(" New Message ")

	c.input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := strings.TrimSpace(c.input.GetText())
		if text == "" {
			return
		}
		c.input.SetText("")
		go c.handleInput(text)
	})

	layout := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(c.chatbox, 0, 1, false).
		AddItem(c.input, 3, 0, true)

	return c.app.SetRoot(layout, true).SetFocus(c.input).Run()
}

func (c *App) handleInput(text string) {
	cmd, arg, _ := strings.Cut(text, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/id":
		c.println("[gray]%s[-]", c.node.Identity())

	case "/add", "/to":
		contact, err := model.ParseCryptoIdentity(arg)
		if err != nil {
			c.println("[red]not an identity: %v[-]", err)
			return
		}
		if cmd == "/add" {
			if err := c.node.AddContact(c.ctx, contact); err != nil {
				c.println("[red]add contact failed: %v[-]", err)
				return
			}
			c.println("[gray]looking for the devices of %s[-]", short(contact))
		}
		c.mu.Lock()
		c.to = &contact
		c.mu.Unlock()
		c.app.QueueUpdateDraw(func() {
			c.chatbox.SetTitle(fmt.Sprintf(" %s → %s ", short(c.node.Identity()), short(contact)))
		})

	case "/contacts":
		contacts, err := c.node.Contacts(c.ctx)
		if err != nil {
			c.println("[red]%v[-]", err)
			return
		}
		for _, ct := range contacts {
			c.println("[gray]%s (%d devices)[-]", ct.Identity, len(ct.DeviceUIDs))
		}

	default:
		c.SendMessage(text)
	}
}

func (c *App) SendMessage(msg string) {
	c.mu.Lock()
	to := c.to
	c.mu.Unlock()
	if to == nil {
		c.println("[red]pick a contact with /to first[-]")
		return
	}

	dest, err := c.node.Send(c.ctx, *to, msg)
	if err != nil {
		log.Debug("send message failed", zap.Error(err))
		c.println("[red]not sent: %v[-]", err)
		return
	}
	c.println("[yellow]You:[-] %s [gray](%d devices)[-]", msg, len(dest))
}

func (c *App) listenOnNotifications(ctx context.Context, events <-chan notification.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-events:
			if !ok {
				return
			}
			c.ReceiveNotification(n)
		}
	}
}

func (c *App) ReceiveNotification(n notification.Notification) {
	switch n.Kind {
	case notification.ApplicationMessageReceived:
		c.println("[green]%s:[-] %s", short(n.RemoteIdentity), string(n.Payload))
	case notification.ObliviousChannelConfirmed:
		c.println("[gray]secure channel with %s ready[-]", short(n.RemoteIdentity))
	case notification.ObliviousChannelDeleted:
		c.println("[gray]channel with %s deleted[-]", short(n.RemoteIdentity))
	}
}

func (c *App) println(format string, args ...any) {
	c.app.QueueUpdateDraw(func() {
		fmt.Fprintf(c.chatbox, format+"\n", args...)
		c.chatbox.ScrollToEnd()
	})
}
