package archive_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/atmx/fxsim/internal/archive"
	"github.com/atmx/fxsim/internal/model"
)

type fakePutter struct {
	keys   []string
	bodies [][]byte
	err    error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, _ := io.ReadAll(in.Body)
	f.keys = append(f.keys, *in.Key)
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

type staticSource struct{ doc *model.Document }

func (s staticSource) Document(context.Context) (*model.Document, error) { return s.doc.Clone(), nil }

var ts = time.Date(2025, 7, 4, 15, 30, 0, 0, time.UTC)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestArchiver_Key(t *testing.T) {
	a := archive.NewArchiver(&fakePutter{}, "bucket", "fx", staticSource{}, quietLogger())
	want := "fx/2025/07/04/1751643000000000000.json"
	if got := a.Key(ts); got != want {
		t.Errorf("expected key %s, got %s", want, got)
	}
}

func TestArchiver_Snapshot(t *testing.T) {
	put := &fakePutter{}
	doc := model.NewDocument(ts)
	a := archive.NewArchiver(put, "bucket", "", staticSource{doc: doc}, quietLogger())

	key, err := a.Snapshot(context.Background(), ts)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if len(put.keys) != 1 || put.keys[0] != key {
		t.Fatalf("expected one upload at %s, got %v", key, put.keys)
	}

	var got model.Document
	if err := json.Unmarshal(put.bodies[0], &got); err != nil {
		t.Fatalf("uploaded body is not a document: %v", err)
	}
	if !got.Market.CurrentPrice.Equal(doc.Market.CurrentPrice) {
		t.Errorf("expected price %s, got %s", doc.Market.CurrentPrice, got.Market.CurrentPrice)
	}
}

func TestArchiver_SnapshotError(t *testing.T) {
	put := &fakePutter{err: errors.New("access denied")}
	a := archive.NewArchiver(put, "bucket", "", staticSource{doc: model.NewDocument(ts)}, quietLogger())

	if _, err := a.Snapshot(context.Background(), ts); err == nil {
		t.Error("expected upload error")
	}
}
