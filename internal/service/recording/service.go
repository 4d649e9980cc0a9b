// Package recording uploads finished-call media segments to object
// storage. Recording is optional: when no segments were captured for a
// call, finalizing is a no-op.
package recording

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"callkit/internal/domain"
	"callkit/pkg/config"
	apperrors "callkit/pkg/errors"
	"callkit/pkg/logger"
	"callkit/pkg/metrics"
)

const recordingContentType = "audio/ogg"

// Service buffers captured media segments per call and uploads the
// assembled recording when the call is finalized
type Service struct {
	client *minio.Client
	bucket string

	mu       sync.Mutex
	segments map[uuid.UUID]*bytes.Buffer
}

// NewService creates a recording service over MinIO
func NewService(cfg config.MinIOConfig) (*Service, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	return &Service{
		client:   client,
		bucket:   cfg.Bucket,
		segments: make(map[uuid.UUID]*bytes.Buffer),
	}, nil
}

// AppendSegment buffers one captured media segment for a call
func (s *Service) AppendSegment(callID uuid.UUID, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.segments[callID]
	if !ok {
		buf = &bytes.Buffer{}
		s.segments[callID] = buf
	}
	buf.Write(data)
}

// FinalizeRecording uploads whatever was captured for the call and drops
// the buffer. Calls with no captured segments are skipped silently.
func (s *Service) FinalizeRecording(ctx context.Context, session *domain.CallSession) error {
	s.mu.Lock()
	buf, ok := s.segments[session.SessionID]
	delete(s.segments, session.SessionID)
	s.mu.Unlock()

	if !ok || buf.Len() == 0 {
		return nil
	}

	objectName := fmt.Sprintf("calls/%s.ogg", session.SessionID)
	_, err := s.client.PutObject(ctx, s.bucket, objectName, bytes.NewReader(buf.Bytes()), int64(buf.Len()), minio.PutObjectOptions{
		ContentType: recordingContentType,
		UserMetadata: map[string]string{
			"conversation-id":  session.ConversationID.String(),
			"call-type":        string(session.Mode),
			"duration-seconds": fmt.Sprintf("%d", session.DurationSeconds),
		},
	})
	if err != nil {
		metrics.RecordingUploadTotal.WithLabelValues("error").Inc()
		return apperrors.StorageError("failed to upload call recording", err)
	}

	metrics.RecordingUploadTotal.WithLabelValues("ok").Inc()
	logger.Info("uploaded call recording",
		zap.String("call_id", session.SessionID.String()),
		zap.String("object", objectName),
		zap.Int("bytes", buf.Len()),
	)

	return nil
}

// Discard drops any buffered segments for a call without uploading
func (s *Service) Discard(callID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.segments, callID)
}
