// Package s3store implements chunkupload.SessionClient on top of S3 multipart uploads.
// Every chunk is one part, so the chunk size must satisfy the S3 minimum part size
// for every chunk but the last one.
package s3store

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-chunkupload/chunkupload"
	"github.com/bitrise-io/go-utils/v2/log"
)

// S3API is the subset of the S3 client the store uses.
type S3API interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	ListParts(ctx context.Context, params *s3.ListPartsInput, optFns ...func(*s3.Options)) (*s3.ListPartsOutput, error)
	ListMultipartUploads(ctx context.Context, params *s3.ListMultipartUploadsInput, optFns ...func(*s3.Options)) (*s3.ListMultipartUploadsOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// ErrInvalidSessionID ...
var ErrInvalidSessionID = errors.New("invalid session ID")

// Params ...
type Params struct {
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// Store maps upload sessions onto multipart uploads of a bucket.
type Store struct {
	client S3API
	bucket string
	logger log.Logger
}

var _ chunkupload.SessionClient = (*Store)(nil)

// New creates a store with an existing client.
func New(client S3API, bucket string, logger log.Logger) *Store {
	return &Store{
		client: client,
		bucket: bucket,
		logger: logger,
	}
}

// NewFromParams creates a store with an S3 client configured from params.
func NewFromParams(ctx context.Context, params Params, logger log.Logger) (*Store, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("Bucket must not be empty")
	}

	cfg, err := LoadAWSConfig(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	return New(s3.NewFromConfig(*cfg), params.Bucket, logger), nil
}

type sessionRef struct {
	key         string
	totalChunks int
	uploadID    string
}

// The session ID carries everything needed to continue the session from another process:
// base64url(object key).totalChunks.uploadID
func (r sessionRef) String() string {
	return fmt.Sprintf("%s.%d.%s", base64.RawURLEncoding.EncodeToString([]byte(r.key)), r.totalChunks, r.uploadID)
}

func parseSessionID(id string) (sessionRef, error) {
	parts := strings.SplitN(id, ".", 3)
	if len(parts) != 3 || parts[2] == "" {
		return sessionRef{}, fmt.Errorf("%w: %s", ErrInvalidSessionID, id)
	}
	key, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil || len(key) == 0 {
		return sessionRef{}, fmt.Errorf("%w: %s", ErrInvalidSessionID, id)
	}
	total, err := strconv.Atoi(parts[1])
	if err != nil || total < 0 {
		return sessionRef{}, fmt.Errorf("%w: %s", ErrInvalidSessionID, id)
	}
	return sessionRef{key: string(key), totalChunks: total, uploadID: parts[2]}, nil
}

// Init continues the most recent unfinished multipart upload of the same object if its parts
// fit the requested chunk layout, otherwise it starts a new one.
func (s *Store) Init(ctx context.Context, req chunkupload.InitRequest) (chunkupload.InitResponse, error) {
	key := path.Join(req.Destination, req.FileName)
	if key == "" || key == "." {
		return chunkupload.InitResponse{}, chunkupload.Permanent(fmt.Errorf("object key must not be empty"))
	}

	uploadID, err := s.findUpload(ctx, key)
	if err != nil {
		return chunkupload.InitResponse{}, fmt.Errorf("list multipart uploads: %w", err)
	}

	if uploadID != "" {
		ref := sessionRef{key: key, totalChunks: req.TotalChunks, uploadID: uploadID}
		missing, ok, err := s.missingParts(ctx, ref, req)
		if err != nil {
			return chunkupload.InitResponse{}, fmt.Errorf("list parts: %w", err)
		}
		if ok {
			s.logger.Debugf("Continuing multipart upload %s of %s", uploadID, key)
			return chunkupload.InitResponse{SessionID: ref.String(), Resumed: true, MissingChunks: missing}, nil
		}
		s.logger.Debugf("Multipart upload %s of %s has a different chunk layout, starting a new one", uploadID, key)
	}

	input := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if req.FileType != "" {
		input.ContentType = aws.String(req.FileType)
	}
	out, err := s.client.CreateMultipartUpload(ctx, input)
	if err != nil {
		return chunkupload.InitResponse{}, fmt.Errorf("create multipart upload: %w", err)
	}

	ref := sessionRef{key: key, totalChunks: req.TotalChunks, uploadID: aws.ToString(out.UploadId)}
	return chunkupload.InitResponse{SessionID: ref.String()}, nil
}

// UploadChunk uploads the chunk as part index+1.
func (s *Store) UploadChunk(ctx context.Context, sessionID string, index int, body io.Reader, size int64) error {
	ref, err := parseSessionID(sessionID)
	if err != nil {
		return chunkupload.Permanent(err)
	}
	if index < 0 || index >= ref.totalChunks {
		return chunkupload.Permanent(fmt.Errorf("chunk index %d out of range [0, %d)", index, ref.totalChunks))
	}

	_, err = s.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(ref.key),
		UploadId:      aws.String(ref.uploadID),
		PartNumber:    aws.Int32(int32(index + 1)),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		err = fmt.Errorf("upload part %d: %w", index+1, err)
		if isNoSuchUpload(err) || isClientError(err) {
			return chunkupload.Permanent(err)
		}
		return err
	}

	return nil
}

// Complete commits the multipart upload. Completing an already committed session
// returns the artifact of the existing object.
func (s *Store) Complete(ctx context.Context, sessionID string) (chunkupload.Artifact, error) {
	ref, err := parseSessionID(sessionID)
	if err != nil {
		return chunkupload.Artifact{}, err
	}

	parts, err := s.listParts(ctx, ref)
	if isNoSuchUpload(err) {
		s.logger.Debugf("Multipart upload %s not found, looking for the committed object", ref.uploadID)
		return s.headArtifact(ctx, ref.key)
	}
	if err != nil {
		return chunkupload.Artifact{}, fmt.Errorf("list parts: %w", err)
	}

	if ref.totalChunks == 0 {
		return s.completeEmpty(ctx, ref)
	}

	byNumber := make(map[int32]types.Part, len(parts))
	for _, p := range parts {
		byNumber[aws.ToInt32(p.PartNumber)] = p
	}

	var missing []int
	completed := make([]types.CompletedPart, 0, ref.totalChunks)
	var size int64
	for i := 0; i < ref.totalChunks; i++ {
		p, ok := byNumber[int32(i+1)]
		if !ok {
			missing = append(missing, i)
			continue
		}
		completed = append(completed, types.CompletedPart{ETag: p.ETag, PartNumber: p.PartNumber})
		size += aws.ToInt64(p.Size)
	}
	if len(missing) > 0 {
		return chunkupload.Artifact{}, fmt.Errorf("%w: missing chunks %v", chunkupload.ErrIncomplete, missing)
	}

	out, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(ref.key),
		UploadId:        aws.String(ref.uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return chunkupload.Artifact{}, fmt.Errorf("complete multipart upload: %w", err)
	}

	return chunkupload.Artifact{
		ID:       strings.Trim(aws.ToString(out.ETag), `"`),
		Location: s.location(ref.key),
		Size:     size,
	}, nil
}

// Resume reports whether the multipart upload still exists.
func (s *Store) Resume(ctx context.Context, sessionID string) (chunkupload.ResumeStatus, error) {
	ref, err := parseSessionID(sessionID)
	if err != nil {
		return chunkupload.ResumeStatus{}, err
	}

	_, err = s.client.ListParts(ctx, &s3.ListPartsInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(ref.key),
		UploadId: aws.String(ref.uploadID),
		MaxParts: aws.Int32(1),
	})
	if isNoSuchUpload(err) {
		return chunkupload.ResumeStatus{CanResume: false}, nil
	}
	if err != nil {
		return chunkupload.ResumeStatus{}, fmt.Errorf("list parts: %w", err)
	}
	return chunkupload.ResumeStatus{CanResume: true}, nil
}

// Progress counts the uploaded parts. A committed session reports every chunk.
func (s *Store) Progress(ctx context.Context, sessionID string) (chunkupload.RemoteProgress, error) {
	ref, err := parseSessionID(sessionID)
	if err != nil {
		return chunkupload.RemoteProgress{}, err
	}

	parts, err := s.listParts(ctx, ref)
	if isNoSuchUpload(err) {
		if _, err := s.headArtifact(ctx, ref.key); err != nil {
			return chunkupload.RemoteProgress{}, err
		}
		return chunkupload.RemoteProgress{UploadedChunks: ref.totalChunks, TotalChunks: ref.totalChunks}, nil
	}
	if err != nil {
		return chunkupload.RemoteProgress{}, fmt.Errorf("list parts: %w", err)
	}

	uploaded := 0
	for _, p := range parts {
		if n := int(aws.ToInt32(p.PartNumber)); n >= 1 && n <= ref.totalChunks {
			uploaded++
		}
	}
	return chunkupload.RemoteProgress{UploadedChunks: uploaded, TotalChunks: ref.totalChunks}, nil
}

// Cancel aborts the multipart upload and releases its parts.
func (s *Store) Cancel(ctx context.Context, sessionID string) error {
	ref, err := parseSessionID(sessionID)
	if err != nil {
		return err
	}

	_, err = s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(ref.key),
		UploadId: aws.String(ref.uploadID),
	})
	if err != nil && !isNoSuchUpload(err) {
		return fmt.Errorf("abort multipart upload: %w", err)
	}
	return nil
}

// findUpload returns the ID of the most recently initiated multipart upload of key.
func (s *Store) findUpload(ctx context.Context, key string) (string, error) {
	var latest types.MultipartUpload
	var keyMarker, uploadIDMarker *string

	for {
		out, err := s.client.ListMultipartUploads(ctx, &s3.ListMultipartUploadsInput{
			Bucket:         aws.String(s.bucket),
			Prefix:         aws.String(key),
			KeyMarker:      keyMarker,
			UploadIdMarker: uploadIDMarker,
		})
		if err != nil {
			return "", err
		}

		for _, u := range out.Uploads {
			if aws.ToString(u.Key) != key {
				continue
			}
			if latest.UploadId == nil || aws.ToTime(u.Initiated).After(aws.ToTime(latest.Initiated)) {
				latest = u
			}
		}

		if !aws.ToBool(out.IsTruncated) {
			break
		}
		keyMarker, uploadIDMarker = out.NextKeyMarker, out.NextUploadIdMarker
	}

	return aws.ToString(latest.UploadId), nil
}

func (s *Store) listParts(ctx context.Context, ref sessionRef) ([]types.Part, error) {
	var parts []types.Part
	paginator := s3.NewListPartsPaginator(s.client, &s3.ListPartsInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(ref.key),
		UploadId: aws.String(ref.uploadID),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		parts = append(parts, page.Parts...)
	}
	return parts, nil
}

// missingParts returns the chunk indices without an uploaded part. ok is false if an
// existing part does not fit the requested chunk layout.
func (s *Store) missingParts(ctx context.Context, ref sessionRef, req chunkupload.InitRequest) ([]int, bool, error) {
	parts, err := s.listParts(ctx, ref)
	if isNoSuchUpload(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	uploaded := make(map[int]bool, len(parts))
	for _, p := range parts {
		index := int(aws.ToInt32(p.PartNumber)) - 1
		c, err := chunkupload.ChunkAt(index, req.FileSize, req.ChunkSize)
		if err != nil || c.Length != aws.ToInt64(p.Size) {
			return nil, false, nil
		}
		uploaded[index] = true
	}

	missing := make([]int, 0, req.TotalChunks-len(uploaded))
	for i := 0; i < req.TotalChunks; i++ {
		if !uploaded[i] {
			missing = append(missing, i)
		}
	}
	return missing, true, nil
}

// completeEmpty stores an empty object, S3 does not complete multipart uploads without parts.
func (s *Store) completeEmpty(ctx context.Context, ref sessionRef) (chunkupload.Artifact, error) {
	out, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(ref.key),
		Body:          strings.NewReader(""),
		ContentLength: aws.Int64(0),
	})
	if err != nil {
		return chunkupload.Artifact{}, fmt.Errorf("put empty object: %w", err)
	}

	if err := s.Cancel(ctx, ref.String()); err != nil {
		s.logger.Warnf("Failed to abort multipart upload of empty object: %s", err)
	}

	return chunkupload.Artifact{
		ID:       strings.Trim(aws.ToString(out.ETag), `"`),
		Location: s.location(ref.key),
		Size:     0,
	}, nil
}

func (s *Store) headArtifact(ctx context.Context, key string) (chunkupload.Artifact, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return chunkupload.Artifact{}, fmt.Errorf("session not found and object %s does not exist", key)
		}
		return chunkupload.Artifact{}, fmt.Errorf("head object: %w", err)
	}

	return chunkupload.Artifact{
		ID:       strings.Trim(aws.ToString(out.ETag), `"`),
		Location: s.location(key),
		Size:     aws.ToInt64(out.ContentLength),
	}, nil
}

func (s *Store) location(key string) string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, key)
}

func isNoSuchUpload(err error) bool {
	if err == nil {
		return false
	}
	var noSuchUpload *types.NoSuchUpload
	if errors.As(err, &noSuchUpload) {
		return true
	}
	var apiError smithy.APIError
	return errors.As(err, &apiError) && apiError.ErrorCode() == "NoSuchUpload"
}

// isClientError reports API errors which are caused by the request itself, throttling excluded.
func isClientError(err error) bool {
	var apiError smithy.APIError
	if !errors.As(err, &apiError) || apiError.ErrorFault() != smithy.FaultClient {
		return false
	}
	switch apiError.ErrorCode() {
	case "SlowDown", "RequestTimeout", "RequestTimeTooSkewed", "Throttling", "ThrottlingException":
		return false
	}
	return true
}
