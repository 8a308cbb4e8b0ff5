package main

import (
	"context"
	"fmt"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"

	"sealchat/internal/model"
	"sealchat/internal/service/delivery"
	"sealchat/internal/utils/log"
)

type chatUI struct {
	app     *tview.Application
	chatbox *tview.TextView
	input   *tview.InputField

	svc          *delivery.Service
	chatID       string
	participants []string
	selfID       string
}

func newChatUI(svc *delivery.Service, chatID string, participants []string, selfID string) *chatUI {
	return &chatUI{
		app:          tview.NewApplication(),
		svc:          svc,
		chatID:       chatID,
		participants: participants,
		selfID:       selfID,
	}
}

// blocking function
func (u *chatUI) run() {
	u.chatbox = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	u.chatbox.SetBorder(true).SetTitle(fmt.Sprintf(" Chat %s ", u.chatID))

	u.input = tview.NewInputField().
		SetLabel("Message: ").
		SetFieldWidth(0)
	u.input.SetBorder(true).SetTitle(" New Message ")

	u.input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := u.input.GetText()
		if text == "" {
			return
		}

		go func(msg string) {
			if _, err := u.svc.SendText(context.Background(), u.chatID, msg, u.participants); err != nil {
				u.app.Suspend(func() {
					log.Error("send message failed", zap.Error(err))
				})
			}
		}(text)
		u.input.SetText("")
	})

	unsubscribe := u.svc.Subscribe(u.onEvent)
	defer unsubscribe()

	for _, m := range u.svc.Messages(u.chatID) {
		u.printMessage(m)
	}

	layout := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(u.chatbox, 0, 1, false).
		AddItem(u.input, 3, 0, true)

	if err := u.app.SetRoot(layout, true).SetFocus(u.input).Run(); err != nil {
		log.Fatal("cannot init app", zap.Error(err))
	}
}

func (u *chatUI) onEvent(ev delivery.Event) {
	switch ev.Type {
	case delivery.EventMessageAdded:
		msg := ev.Message
		u.app.QueueUpdateDraw(func() {
			u.printMessage(msg)
			u.chatbox.ScrollToEnd()
		})
	case delivery.EventTyping:
		userID := ev.UserID
		u.app.QueueUpdateDraw(func() {
			fmt.Fprintf(u.chatbox, "[gray]%s is typing...[-]\n", userID)
		})
	}
}

func (u *chatUI) printMessage(m *model.Message) {
	if m == nil || m.Deleted {
		return
	}
	if m.SenderID == u.selfID {
		fmt.Fprintf(u.chatbox, "[yellow]You:[-] %s\n", m.Content)
		return
	}
	fmt.Fprintf(u.chatbox, "[green]%s:[-] %s\n", m.SenderID, m.Content)
}
