package chat

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"roomrelay/pkg/domain"
	"roomrelay/pkg/storage"
)

// DefaultMaxAttachmentBytes caps one decoded attachment.
const DefaultMaxAttachmentBytes = 10 << 20

const defaultFileType = "application/octet-stream"

var (
	errEmptyMedia      = errors.New("media item has no data or url")
	errBadDataURL      = errors.New("malformed data url")
	errBadBase64       = errors.New("undecodable base64 payload")
	errBadExternalURL  = errors.New("external url must be http or https")
	errAttachmentLarge = errors.New("attachment exceeds size limit")
)

// mediaResult is the outcome for one media item. Exactly one of attachment
// and err is meaningful.
type mediaResult struct {
	index      int
	attachment domain.Attachment
	err        error
}

func decodeMedia(items []mediaItem, maxBytes int64) []mediaResult {
	results := make([]mediaResult, 0, len(items))
	for i, item := range items {
		att, err := decodeItem(item, maxBytes)
		results = append(results, mediaResult{index: i, attachment: att, err: err})
	}
	return results
}

func decodeItem(item mediaItem, maxBytes int64) (domain.Attachment, error) {
	name := strings.TrimSpace(item.Name)
	if name == "" {
		name = "attachment"
	}
	att := domain.Attachment{OriginalFilename: name, FileType: strings.TrimSpace(item.Type)}

	data := item.Data
	if data == "" {
		if strings.TrimSpace(item.URL) == "" {
			return domain.Attachment{}, errEmptyMedia
		}
		u, err := url.Parse(strings.TrimSpace(item.URL))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return domain.Attachment{}, errBadExternalURL
		}
		att.FileURL = u.String()
		att.FileSize = item.Size
		if att.FileType == "" {
			att.FileType = defaultFileType
		}
		return att, nil
	}

	var payload []byte
	if strings.HasPrefix(data, "data:") {
		mime, decoded, err := decodeDataURL(data)
		if err != nil {
			return domain.Attachment{}, err
		}
		if att.FileType == "" {
			att.FileType = mime
		}
		payload = decoded
	} else {
		payload = []byte(data)
	}
	if maxBytes > 0 && int64(len(payload)) > maxBytes {
		return domain.Attachment{}, fmt.Errorf("%w: %d bytes", errAttachmentLarge, len(payload))
	}
	if att.FileType == "" {
		att.FileType = defaultFileType
	}
	att.Data = payload
	att.FileSize = int64(len(payload))
	return att, nil
}

// decodeDataURL parses data:<mime>;base64,<payload>.
func decodeDataURL(s string) (string, []byte, error) {
	header, payload, ok := strings.Cut(strings.TrimPrefix(s, "data:"), ",")
	if !ok {
		return "", nil, errBadDataURL
	}
	params := strings.Split(header, ";")
	mime := strings.TrimSpace(params[0])
	isBase64 := false
	for _, p := range params[1:] {
		if strings.EqualFold(strings.TrimSpace(p), "base64") {
			isBase64 = true
		}
	}
	if !isBase64 {
		return "", nil, errBadDataURL
	}
	payload = strings.TrimSpace(payload)
	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		decoded, err = base64.RawStdEncoding.DecodeString(payload)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %v", errBadBase64, err)
		}
	}
	return mime, decoded, nil
}

// placeAttachment moves inline bytes to object storage when one is configured.
func placeAttachment(ctx context.Context, objects storage.ObjectStore, msg domain.Message, att domain.Attachment) (domain.Attachment, error) {
	att.MessageID = msg.ID
	if att.ID == "" {
		att.ID = uuid.NewString()
	}
	if objects == nil || len(att.Data) == 0 {
		return att, nil
	}
	key := storage.AttachmentKey(msg.CreatedAt, att.ID, att.OriginalFilename)
	if err := objects.Put(ctx, key, bytes.NewReader(att.Data), int64(len(att.Data)), att.FileType); err != nil {
		return domain.Attachment{}, fmt.Errorf("upload attachment: %w", err)
	}
	att.StorageKey = key
	att.Data = nil
	return att, nil
}

// AttachmentURL returns the link clients use to fetch att.
func AttachmentURL(ctx context.Context, objects storage.ObjectStore, att domain.Attachment) string {
	switch {
	case att.FileURL != "":
		return att.FileURL
	case att.StorageKey != "" && objects != nil:
		u, err := objects.PresignGet(ctx, att.StorageKey, storage.AttachmentURLExpiry)
		if err == nil {
			return u
		}
	}
	return "/api/attachments/" + att.ID
}

func describeAttachments(ctx context.Context, objects storage.ObjectStore, atts []domain.Attachment) []mediaDescriptor {
	out := make([]mediaDescriptor, 0, len(atts))
	for _, att := range atts {
		out = append(out, mediaDescriptor{
			ID:   att.ID,
			Name: att.OriginalFilename,
			Type: att.FileType,
			Size: att.FileSize,
			URL:  AttachmentURL(ctx, objects, att),
		})
	}
	return out
}
