package assistant

import (
	"context"
	"errors"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	assistantmodel "github.com/zhouzirui/avatar-chat/backend/internal/model/assistant"
	"github.com/zhouzirui/avatar-chat/backend/internal/model/audio"
)

type scriptedChatModel struct {
	replies []string
	err     error
	inputs  [][]*schema.Message
}

func (m *scriptedChatModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	m.inputs = append(m.inputs, input)
	if m.err != nil {
		return nil, m.err
	}
	if len(m.replies) == 0 {
		return schema.AssistantMessage("", nil), nil
	}
	reply := m.replies[0]
	m.replies = m.replies[1:]
	return schema.AssistantMessage(reply, nil), nil
}

func (m *scriptedChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

func (m *scriptedChatModel) BindTools([]*schema.ToolInfo) error {
	return nil
}

type staticTranscriber string

func (s staticTranscriber) Transcribe(context.Context, audio.Artifact) (string, error) {
	return string(s), nil
}

func newTestArkBackend(t *testing.T, chatModel *scriptedChatModel, opts ...ArkOption) *ArkBackend {
	t.Helper()
	backend, err := NewArkBackend(context.Background(), chatModel, zerolog.Nop(), opts...)
	require.NoError(t, err)
	return backend
}

func TestArkBackendThreadCarriesHistory(t *testing.T) {
	chatModel := &scriptedChatModel{replies: []string{"Hi there", "Fine, thanks"}}
	backend := newTestArkBackend(t, chatModel)
	ctx := context.Background()

	assistantID, err := backend.CreateAssistant(ctx, assistantmodel.Profile{ID: "tutor", Instructions: "Be brief."})
	require.NoError(t, err)
	threadID, err := backend.CreateThread(ctx)
	require.NoError(t, err)

	reply, err := backend.SubmitAndAwaitReply(ctx, threadID, assistantID, "Hello")
	require.NoError(t, err)
	assert.Equal(t, "Hi there", reply)

	reply, err = backend.SubmitAndAwaitReply(ctx, threadID, assistantID, "How are you?")
	require.NoError(t, err)
	assert.Equal(t, "Fine, thanks", reply)

	require.Len(t, chatModel.inputs, 2)
	second := chatModel.inputs[1]
	require.Len(t, second, 4)
	assert.Equal(t, schema.System, second[0].Role)
	assert.Equal(t, "Be brief.", second[0].Content)
	assert.Equal(t, "Hello", second[1].Content)
	assert.Equal(t, "Hi there", second[2].Content)
	assert.Equal(t, "How are you?", second[3].Content)
}

func TestArkBackendConversationCloseFreesMemory(t *testing.T) {
	backend := newTestArkBackend(t, &scriptedChatModel{replies: []string{"Hi there"}})
	ctx := context.Background()

	conv := NewConversation(backend)
	require.NoError(t, conv.Initialize(ctx, Reference{Profile: assistantmodel.Profile{ID: "tutor"}}))
	_, err := conv.Respond(ctx, "Hello")
	require.NoError(t, err)

	assistants, threads := backend.Len()
	assert.Equal(t, 1, assistants)
	assert.Equal(t, 1, threads)

	require.NoError(t, conv.Close(ctx))
	assistants, threads = backend.Len()
	assert.Zero(t, assistants)
	assert.Zero(t, threads)

	assert.ErrorIs(t, backend.DeleteThread(ctx, "thread_missing"), ErrThreadNotFound)
	assert.ErrorIs(t, backend.DeleteAssistant(ctx, "asst_missing"), ErrAssistantNotFound)
}

func TestArkBackendHistoryLimit(t *testing.T) {
	chatModel := &scriptedChatModel{replies: []string{"a", "b", "c"}}
	backend := newTestArkBackend(t, chatModel, WithHistoryLimit(2))
	ctx := context.Background()

	assistantID, _ := backend.CreateAssistant(ctx, assistantmodel.Profile{})
	threadID, _ := backend.CreateThread(ctx)

	for _, text := range []string{"one", "two", "three"} {
		_, err := backend.SubmitAndAwaitReply(ctx, threadID, assistantID, text)
		require.NoError(t, err)
	}

	// system + 2 history + query
	assert.Len(t, chatModel.inputs[2], 4)
	assert.Equal(t, "two", chatModel.inputs[2][1].Content)
}

func TestArkBackendUnknownIDs(t *testing.T) {
	backend := newTestArkBackend(t, &scriptedChatModel{})
	ctx := context.Background()

	_, err := backend.RetrieveAssistant(ctx, "asst_missing")
	assert.ErrorIs(t, err, ErrAssistantNotFound)

	assistantID, _ := backend.CreateAssistant(ctx, assistantmodel.Profile{})
	_, err = backend.SubmitAndAwaitReply(ctx, "thread_missing", assistantID, "Hello")
	assert.ErrorIs(t, err, ErrThreadNotFound)
}

func TestArkBackendEmptyAndFailedReplies(t *testing.T) {
	ctx := context.Background()

	empty := newTestArkBackend(t, &scriptedChatModel{})
	assistantID, _ := empty.CreateAssistant(ctx, assistantmodel.Profile{})
	threadID, _ := empty.CreateThread(ctx)
	_, err := empty.SubmitAndAwaitReply(ctx, threadID, assistantID, "Hello")
	assert.ErrorIs(t, err, ErrEmptyReply)

	failing := newTestArkBackend(t, &scriptedChatModel{err: errors.New("quota exceeded")})
	assistantID, _ = failing.CreateAssistant(ctx, assistantmodel.Profile{})
	threadID, _ = failing.CreateThread(ctx)
	_, err = failing.SubmitAndAwaitReply(ctx, threadID, assistantID, "Hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestArkBackendTranscription(t *testing.T) {
	ctx := context.Background()

	withoutTranscriber := newTestArkBackend(t, &scriptedChatModel{})
	_, err := withoutTranscriber.Transcribe(ctx, audio.Artifact{Data: []byte{1}})
	assert.ErrorIs(t, err, ErrTranscriptionUnavailable)

	withTranscriber := newTestArkBackend(t, &scriptedChatModel{}, WithTranscriber(staticTranscriber("hello")))
	text, err := withTranscriber.Transcribe(ctx, audio.Artifact{Data: []byte{1}})
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
}
