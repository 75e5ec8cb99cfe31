package archive_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/jmerrifield20/trustchain/internal/archive"
)

type fakeS3 struct {
	objects map[string][]byte
	puts    int
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if _, ok := f.objects[aws.ToString(in.Key)]; !ok {
		return nil, errors.New("not found")
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = body
	f.puts++
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	body, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("not found")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func TestS3Archiver_UploadAndFetch(t *testing.T) {
	ctx := context.Background()
	fake := &fakeS3{objects: map[string][]byte{}}
	a := archive.NewWithClient(fake, "audit", "chains/", zap.NewNop())

	loc, err := a.Upload(ctx, "00abc", []byte(`[{"index":0}]`))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if loc != "s3://audit/chains/00abc.json" {
		t.Errorf("location = %q", loc)
	}

	// Same tip again is a no-op.
	if _, err := a.Upload(ctx, "00abc", []byte(`ignored`)); err != nil {
		t.Fatalf("second Upload: %v", err)
	}
	if fake.puts != 1 {
		t.Errorf("puts = %d, want 1", fake.puts)
	}

	got, err := a.Fetch(ctx, "00abc")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(got) != `[{"index":0}]` {
		t.Errorf("Fetch = %q", got)
	}

	if _, err := a.Fetch(ctx, "missing"); err == nil {
		t.Error("expected error for missing snapshot")
	}
}

func TestS3Archiver_requiresTip(t *testing.T) {
	a := archive.NewWithClient(&fakeS3{objects: map[string][]byte{}}, "audit", "", zap.NewNop())
	if _, err := a.Upload(context.Background(), "", nil); err == nil {
		t.Error("expected error for empty tip hash")
	}
}
