// Copyright 2024 Google, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cloud

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// GCSScheme prefixes Cloud Storage ad references.
const GCSScheme = "gs://"

// GCSObject identifies one object in a bucket.
type GCSObject struct {
	Bucket   string // The name of the GCS bucket.
	Name     string // The name of the object.
	MIMEType string // The content type recorded on the object.
}

// ParseGCSURI splits gs://bucket/path/to/object.
func ParseGCSURI(uri string) (GCSObject, error) {
	if !strings.HasPrefix(uri, GCSScheme) {
		return GCSObject{}, fmt.Errorf("not a gs:// reference: %s", uri)
	}
	bucket, name, ok := strings.Cut(strings.TrimPrefix(uri, GCSScheme), "/")
	if !ok || bucket == "" || name == "" {
		return GCSObject{}, fmt.Errorf("gs:// reference needs a bucket and an object: %s", uri)
	}
	return GCSObject{Bucket: bucket, Name: name}, nil
}

// GCSObjectReader downloads ad creatives referenced by gs:// URIs.
type GCSObjectReader struct {
	client *storage.Client
}

// NewGCSObjectReader wraps a storage client.
func NewGCSObjectReader(client *storage.Client) *GCSObjectReader {
	return &GCSObjectReader{client: client}
}

// ReadObject returns at most limit+1 bytes of the object, so callers can tell an
// oversized object from one that exactly fits.
func (r *GCSObjectReader) ReadObject(ctx context.Context, uri string, limit int64) ([]byte, GCSObject, error) {
	obj, err := ParseGCSURI(uri)
	if err != nil {
		return nil, obj, err
	}
	if r == nil || r.client == nil {
		return nil, obj, errors.New("cloud storage is not enabled")
	}
	reader, err := r.client.Bucket(obj.Bucket).Object(obj.Name).NewReader(ctx)
	if err != nil {
		return nil, obj, fmt.Errorf("failed to open %s: %w", uri, err)
	}
	defer reader.Close()
	obj.MIMEType = reader.Attrs.ContentType

	data, err := io.ReadAll(io.LimitReader(reader, limit+1))
	if err != nil {
		return nil, obj, fmt.Errorf("failed to read %s: %w", uri, err)
	}
	return data, obj, nil
}
