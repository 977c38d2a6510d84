package infrastructure

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"engage_inbound/internal/entities"

	"github.com/rs/zerolog"
	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/encoding/protojson"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

const connectorEventTimeout = 30 * time.Second

// WhatsAppClient is a raw WhatsApp session for one instance. Events are re-encoded
// in the connector upsert shape and handed to the inbound payload handler.
type WhatsAppClient struct {
	Client     *whatsmeow.Client
	InstanceID string

	handler PayloadHandler
	logger  zerolog.Logger

	qrCode string
	qrLock sync.RWMutex
}

func NewWhatsAppClient(ctx context.Context, dbPath, instanceID string, handler PayloadHandler, logger zerolog.Logger) (*WhatsAppClient, error) {
	logger = logger.With().Str("component", "whatsapp").Str("instance_id", instanceID).Logger()

	container, err := sqlstore.New(ctx, "sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)", WhatsmeowLogger(logger, "Database"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}

	w := &WhatsAppClient{
		Client:     whatsmeow.NewClient(deviceStore, WhatsmeowLogger(logger, "Client")),
		InstanceID: instanceID,
		handler:    handler,
		logger:     logger,
	}
	w.Client.AddEventHandler(w.handleEvent)
	return w, nil
}

func (w *WhatsAppClient) Connect(ctx context.Context) error {
	if w.Client.Store.ID != nil {
		if err := w.Client.Connect(); err != nil {
			return err
		}
		w.logger.Info().Msg("WhatsApp client connected (existing session)")
		return nil
	}

	qrChan, err := w.Client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("qr channel: %w", err)
	}
	if err := w.Client.Connect(); err != nil {
		return err
	}
	go w.watchQR(qrChan)
	return nil
}

func (w *WhatsAppClient) watchQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for evt := range qrChan {
		if evt.Event == whatsmeow.QRChannelEventCode {
			w.qrLock.Lock()
			w.qrCode = evt.Code
			w.qrLock.Unlock()
			w.logger.Info().Msg("New QR code generated")
			continue
		}
		w.qrLock.Lock()
		w.qrCode = ""
		w.qrLock.Unlock()
		w.logger.Info().Str("event", evt.Event).Msg("Login event")
	}
}

func (w *WhatsAppClient) GetQR() string {
	w.qrLock.RLock()
	defer w.qrLock.RUnlock()
	return w.qrCode
}

// QRPNG renders the pending login code; it returns nil when no login is pending.
func (w *WhatsAppClient) QRPNG(size int) ([]byte, error) {
	code := w.GetQR()
	if code == "" {
		return nil, nil
	}
	return qrcode.Encode(code, qrcode.Medium, size)
}

func (w *WhatsAppClient) IsLoggedIn() bool {
	return w.Client.Store.ID != nil
}

func (w *WhatsAppClient) IsConnected() bool {
	return w.Client.IsConnected() && w.Client.Store.ID != nil
}

func (w *WhatsAppClient) GetPhoneNumber() string {
	if w.Client.Store.ID == nil {
		return ""
	}
	return w.Client.Store.ID.User
}

func (w *WhatsAppClient) GetName() string {
	if w.Client.Store.ID == nil {
		return ""
	}
	return w.Client.Store.PushName
}

func (w *WhatsAppClient) Logout(ctx context.Context) error {
	w.qrLock.Lock()
	w.qrCode = ""
	w.qrLock.Unlock()

	if err := w.Client.Logout(ctx); err != nil {
		return err
	}
	w.Client.Disconnect()
	return nil
}

func (w *WhatsAppClient) Disconnect() {
	w.Client.Disconnect()
}

// DownloadMedia fetches and decrypts an attachment through this session.
func (w *WhatsAppClient) DownloadMedia(ctx context.Context, ref entities.MediaRef) (*entities.MediaBlob, error) {
	if !w.IsConnected() {
		return nil, fmt.Errorf("instance %s is not connected", w.InstanceID)
	}
	data, err := w.Client.Download(ctx, newMediaDownload(ref))
	if err != nil {
		return nil, fmt.Errorf("failed to download media: %w", err)
	}
	return &entities.MediaBlob{Data: data, MimeType: http.DetectContentType(data), Size: int64(len(data))}, nil
}

// mediaDownload implements whatsmeow.DownloadableMessage for a stored media reference.
type mediaDownload struct {
	ref       entities.MediaRef
	mediaType whatsmeow.MediaType
}

func newMediaDownload(ref entities.MediaRef) *mediaDownload {
	return &mediaDownload{ref: ref, mediaType: whatsmeowMediaType(ref.MediaType)}
}

func (d *mediaDownload) GetDirectPath() string             { return d.ref.DirectPath }
func (d *mediaDownload) GetURL() string                    { return "" }
func (d *mediaDownload) GetMediaKey() []byte               { return d.ref.MediaKey }
func (d *mediaDownload) GetFileLength() uint64             { return d.ref.FileLength }
func (d *mediaDownload) GetFileSHA256() []byte             { return d.ref.FileSHA256 }
func (d *mediaDownload) GetFileEncSHA256() []byte          { return d.ref.FileEncSHA256 }
func (d *mediaDownload) GetMediaType() whatsmeow.MediaType { return d.mediaType }

func whatsmeowMediaType(name string) whatsmeow.MediaType {
	switch name {
	case "image", "sticker":
		return whatsmeow.MediaImage
	case "video":
		return whatsmeow.MediaVideo
	case "audio":
		return whatsmeow.MediaAudio
	default:
		return whatsmeow.MediaDocument
	}
}

func (w *WhatsAppClient) handleEvent(evt any) {
	switch v := evt.(type) {
	case *events.Message:
		go w.onMessage(v)
	case *events.Receipt:
		go w.onReceipt(v)
	case *events.Connected:
		w.logger.Info().Msg("WhatsApp connected")
	case *events.LoggedOut:
		w.logger.Warn().Msg("WhatsApp session logged out")
	}
}

func (w *WhatsAppClient) onMessage(evt *events.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), connectorEventTimeout)
	defer cancel()

	var (
		item map[string]any
		err  error
	)
	if evt.Message.GetPollUpdateMessage() != nil {
		item = w.decryptedVoteItem(ctx, evt)
	}
	if item == nil {
		if item, err = MessageEventItem(evt); err != nil {
			w.logger.Warn().Err(err).Str("message_id", evt.Info.ID).Msg("Failed to encode message event")
			return
		}
	}
	w.dispatch(ctx, "messages.upsert", item)
}

// decryptedVoteItem decrypts a vote with the session keys. On failure the caller
// forwards the encrypted vote and the pipeline decrypts it from the stored secret.
func (w *WhatsAppClient) decryptedVoteItem(ctx context.Context, evt *events.Message) map[string]any {
	vote, err := w.Client.DecryptPollVote(ctx, evt)
	if err != nil {
		w.logger.Debug().Err(err).Str("message_id", evt.Info.ID).Msg("Session poll vote decryption failed")
		return nil
	}
	return DecryptedVoteItem(evt, vote.GetSelectedOptions())
}

func (w *WhatsAppClient) onReceipt(evt *events.Receipt) {
	items := ReceiptItems(evt)
	if len(items) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), connectorEventTimeout)
	defer cancel()
	w.dispatch(ctx, "messages.update", items)
}

func (w *WhatsAppClient) dispatch(ctx context.Context, eventType string, data any) {
	if w.handler == nil {
		return
	}
	raw, err := json.Marshal(map[string]any{
		"type":       eventType,
		"instanceId": w.InstanceID,
		"data":       data,
	})
	if err != nil {
		w.logger.Warn().Err(err).Msg("Failed to encode connector event")
		return
	}
	hints := entities.TransportHints{Origin: entities.OriginBroker, InstanceID: w.InstanceID, EventType: eventType}
	if err := w.handler(ctx, raw, hints); err != nil {
		w.logger.Warn().Err(err).Str("event", eventType).Msg("Connector event not ingested")
	}
}

func messageKey(info types.MessageInfo) map[string]any {
	key := map[string]any{
		"id":        info.ID,
		"remoteJid": info.Chat.ToNonAD().String(),
		"fromMe":    info.IsFromMe,
	}
	if info.IsGroup {
		key["participant"] = info.Sender.ToNonAD().String()
	}
	return key
}

// MessageEventItem converts a whatsmeow message into the connector upsert item shape.
func MessageEventItem(evt *events.Message) (map[string]any, error) {
	encoded, err := protojson.Marshal(evt.Message)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	var message map[string]any
	if err := json.Unmarshal(encoded, &message); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	item := map[string]any{
		"key":              messageKey(evt.Info),
		"message":          message,
		"messageTimestamp": evt.Info.Timestamp.Unix(),
		"pushName":         evt.Info.PushName,
	}
	return item, nil
}

// DecryptedVoteItem builds a poll creation update carrying one decrypted vote.
func DecryptedVoteItem(evt *events.Message, selected [][]byte) map[string]any {
	pollKey := evt.Message.GetPollUpdateMessage().GetPollCreationMessageKey()
	chat := evt.Info.Chat.ToNonAD().String()
	options := make([]any, 0, len(selected))
	for _, hash := range selected {
		options = append(options, base64.StdEncoding.EncodeToString(hash))
	}
	ts := evt.Info.Timestamp
	if ms := evt.Message.GetPollUpdateMessage().GetSenderTimestampMS(); ms > 0 {
		ts = time.UnixMilli(ms)
	}
	return map[string]any{
		"key": map[string]any{
			"id":        pollKey.GetID(),
			"remoteJid": chat,
			"fromMe":    pollKey.GetFromMe(),
		},
		"update": map[string]any{
			"pollUpdates": []any{map[string]any{
				"pollUpdateMessageKey": map[string]any{
					"id":          evt.Info.ID,
					"remoteJid":   chat,
					"participant": evt.Info.Sender.ToNonAD().String(),
				},
				"vote":              map[string]any{"selectedOptions": options},
				"senderTimestampMs": ts.UnixMilli(),
			}},
		},
	}
}

var receiptStatus = map[types.ReceiptType]string{
	types.ReceiptTypeDelivered: "DELIVERED",
	types.ReceiptTypeRead:      "READ",
	types.ReceiptTypeReadSelf:  "READ",
	types.ReceiptTypePlayed:    "PLAYED",
}

// ReceiptItems maps delivery receipts for our own messages to status updates.
func ReceiptItems(evt *events.Receipt) []any {
	status, ok := receiptStatus[evt.Type]
	if !ok {
		return nil
	}
	chat := evt.Chat.ToNonAD().String()
	items := make([]any, 0, len(evt.MessageIDs))
	for _, id := range evt.MessageIDs {
		items = append(items, map[string]any{
			"key":    map[string]any{"id": id, "remoteJid": chat, "fromMe": true},
			"update": map[string]any{"status": status},
		})
	}
	return items
}
