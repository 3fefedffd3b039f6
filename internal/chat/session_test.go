package chat_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"attribution-backend/internal/chat"
	"attribution-backend/internal/inference"
	"attribution-backend/internal/inference/inferencetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"
)

func openSession(t *testing.T, opts ...chat.Option) (*chat.Session, *inferencetest.Chat) {
	t.Helper()
	svc := inferencetest.NewService()
	session, err := chat.Open(context.Background(), svc, "be an analyst", opts...)
	require.NoError(t, err)
	require.Len(t, svc.Chats, 1)
	return session, svc.Chats[0]
}

func TestSessionHistoryAlternates(t *testing.T) {
	session, remote := openSession(t)
	assert.Equal(t, "be an analyst", remote.SystemInstruction)

	const n = 4
	for i := 0; i < n; i++ {
		reply, err := session.SendText(context.Background(), fmt.Sprintf("question %d", i))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("reply %d", i+1), reply)
	}

	history := session.History()
	require.Len(t, history, 2*n)
	for i, turn := range history {
		if i%2 == 0 {
			assert.Equal(t, chat.RoleUser, turn.Role)
			assert.Equal(t, fmt.Sprintf("question %d", i/2), turn.Content)
		} else {
			assert.Equal(t, chat.RoleModel, turn.Role)
			assert.Equal(t, fmt.Sprintf("reply %d", i/2+1), turn.Content)
		}
	}
}

func TestSessionSendsPartsInOrder(t *testing.T) {
	session, remote := openSession(t)

	image := &inference.File{Name: "files/1", MIMEType: "image/jpeg"}
	video := &inference.File{Name: "files/2", MIMEType: "video/mp4"}
	parts := []inference.Part{inference.TextPart("data"), inference.FilePart(image), inference.FilePart(video)}

	_, err := session.Send(context.Background(), parts)
	require.NoError(t, err)

	require.Len(t, remote.Messages(), 1)
	assert.Equal(t, parts, remote.Messages()[0])

	history := session.History()
	assert.Equal(t, "data", history[0].Content)
	assert.Equal(t, []string{"files/1", "files/2"}, history[0].Media)
}

func TestSessionFailedSendKeepsUserTurn(t *testing.T) {
	session, remote := openSession(t)

	_, err := session.SendText(context.Background(), "first")
	require.NoError(t, err)

	remote.FailNext(errors.New("quota exceeded"))
	_, err = session.SendText(context.Background(), "second")

	var inferenceErr *chat.InferenceError
	require.ErrorAs(t, err, &inferenceErr)
	assert.ErrorContains(t, err, "quota exceeded")

	history := session.History()
	require.Len(t, history, 3)
	assert.True(t, history[2].Failed)
	assert.Equal(t, "second", history[2].Content)
	assert.Equal(t, "quota exceeded", history[2].Error)

	reply, ok := session.LastReply()
	assert.True(t, ok)
	assert.Equal(t, "reply 1", reply)

	// retrying works and the remote only ever saw the successful sends
	_, err = session.SendText(context.Background(), "second")
	require.NoError(t, err)
	assert.Len(t, remote.Messages(), 2)
	assert.Len(t, session.History(), 5)
}

func TestSessionFailedSendDiscardPolicy(t *testing.T) {
	session, remote := openSession(t, chat.WithFailedTurnPolicy(chat.DiscardFailedTurns))

	remote.FailNext(errors.New("unavailable"))
	_, err := session.SendText(context.Background(), "hello")
	require.Error(t, err)

	assert.Empty(t, session.History())
	_, ok := session.LastReply()
	assert.False(t, ok)
}

func TestSessionRejectsEmptyMessage(t *testing.T) {
	session, _ := openSession(t)
	_, err := session.Send(context.Background(), nil)
	assert.Error(t, err)
}

func TestOpenError(t *testing.T) {
	svc := inferencetest.NewService()
	svc.FailOpenChat(errors.New("bad model"))

	_, err := chat.Open(context.Background(), svc, "x")

	var inferenceErr *chat.InferenceError
	assert.ErrorAs(t, err, &inferenceErr)
}

func TestHistoryIsACopy(t *testing.T) {
	session, _ := openSession(t)
	_, err := session.SendText(context.Background(), "hi")
	require.NoError(t, err)

	history := session.History()
	history[0].Content = "changed"

	assert.Equal(t, "hi", session.History()[0].Content)
}

func TestWriteTranscript(t *testing.T) {
	ts := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	session, _ := openSession(t, chat.WithClock(func() time.Time { return ts }))

	_, err := session.Send(context.Background(), []inference.Part{
		inference.TextPart("analyze"),
		inference.FilePart(&inference.File{Name: "files/9"}),
	})
	require.NoError(t, err)

	transcript := chat.Transcript{Title: "0701-01", Turns: session.History()}

	var md bytes.Buffer
	require.NoError(t, chat.WriteTranscript(&md, transcript, chat.FormatMarkdown))
	assert.Equal(t, "# 0701-01\n\n"+
		"## User (2026-07-01 10:00:00)\n\nanalyze\n\n- attachment: `files/9`\n\n"+
		"## Model (2026-07-01 10:00:00)\n\nreply 1\n\n", md.String())

	var y bytes.Buffer
	require.NoError(t, chat.WriteTranscript(&y, transcript, chat.FormatYAML))
	var decoded chat.Transcript
	require.NoError(t, yaml.Unmarshal(y.Bytes(), &decoded))
	assert.Equal(t, "0701-01", decoded.Title)
	assert.Len(t, decoded.Turns, 2)
}

func TestParseFormat(t *testing.T) {
	f, err := chat.ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, chat.FormatMarkdown, f)

	f, err = chat.ParseFormat("YML")
	require.NoError(t, err)
	assert.Equal(t, chat.FormatYAML, f)

	_, err = chat.ParseFormat("pdf")
	assert.Error(t, err)
}
