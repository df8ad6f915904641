// Package s3 provides a storagedriver.StorageDriver implementation to
// store blobs in Amazon S3 (or any S3-compatible object store) cloud
// storage.
//
// This package leverages the official aws-sdk-go-v2 S3 client.
//
// Because S3 is a key/value store the Stat call does not support last
// modification time for directories (directories are an abstraction
// built on prefixes).
//
// Keep in mind that S3 guarantees only eventual consistency in some
// regions, so do not assume that a successful write will mean immediate
// access to the data written.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	storagedriver "github.com/trow-registry/trow/registry/storage/driver"
	"github.com/trow-registry/trow/registry/storage/driver/base"
	"github.com/trow-registry/trow/registry/storage/driver/factory"
)

const driverName = "s3"

// minChunkSize defines the minimum multipart upload chunk size the S3
// API will accept.
const minChunkSize = 5 << 20

const defaultChunkSize = 2 * minChunkSize

// listMax is the largest number of objects requested from S3 per List call.
const listMax = 1000

// DriverParameters encapsulates all of the driver parameters after all
// values have been set.
type DriverParameters struct {
	AccessKey      string
	SecretKey      string
	SessionToken   string
	Bucket         string
	Region         string
	RegionEndpoint string
	ForcePathStyle bool
	Encrypt        bool
	Secure         bool
	ChunkSize      int64
	RootDirectory  string
}

func init() {
	factory.Register(driverName, &s3DriverFactory{})
}

// s3DriverFactory implements the factory.StorageDriverFactory interface.
type s3DriverFactory struct{}

func (f *s3DriverFactory) Create(ctx context.Context, parameters map[string]interface{}) (storagedriver.StorageDriver, error) {
	return FromParameters(ctx, parameters)
}

type driver struct {
	S3            *s3.Client
	Bucket        string
	ChunkSize     int64
	Encrypt       bool
	RootDirectory string
}

type baseEmbed struct {
	base.Base
}

// Driver is a storagedriver.StorageDriver implementation backed by Amazon
// S3. Objects are stored at absolute keys in the provided bucket.
type Driver struct {
	baseEmbed
}

// FromParameters constructs a new Driver with a given parameters map.
// Required parameters:
//   - bucket
//   - region
func FromParameters(ctx context.Context, parameters map[string]interface{}) (*Driver, error) {
	accessKey := fmt.Sprint(parameters["accesskey"])
	secretKey := fmt.Sprint(parameters["secretkey"])
	sessionToken := fmt.Sprint(parameters["sessiontoken"])

	regionName, ok := parameters["region"]
	if !ok || fmt.Sprint(regionName) == "" {
		return nil, fmt.Errorf("no region parameter provided")
	}

	bucket, ok := parameters["bucket"]
	if !ok || fmt.Sprint(bucket) == "" {
		return nil, fmt.Errorf("no bucket parameter provided")
	}

	encryptBool := false
	if encrypt, ok := parameters["encrypt"]; ok {
		encryptBool, ok = encrypt.(bool)
		if !ok {
			return nil, fmt.Errorf("the encrypt parameter should be a boolean")
		}
	}

	secureBool := true
	if secure, ok := parameters["secure"]; ok {
		secureBool, ok = secure.(bool)
		if !ok {
			return nil, fmt.Errorf("the secure parameter should be a boolean")
		}
	}

	forcePathStyleBool := false
	if fps, ok := parameters["forcepathstyle"]; ok {
		forcePathStyleBool, ok = fps.(bool)
		if !ok {
			return nil, fmt.Errorf("the forcepathstyle parameter should be a boolean")
		}
	}

	chunkSize := int64(defaultChunkSize)
	if chunkSizeParam, ok := parameters["chunksize"]; ok {
		switch v := chunkSizeParam.(type) {
		case string:
			vv, err := strconv.ParseInt(v, 0, 64)
			if err != nil {
				return nil, fmt.Errorf("chunksize parameter must be an integer, %v invalid", chunkSizeParam)
			}
			chunkSize = vv
		case int64:
			chunkSize = v
		case int:
			chunkSize = int64(v)
		default:
			return nil, fmt.Errorf("invalid value for chunksize: %#v", chunkSizeParam)
		}

		if chunkSize < minChunkSize {
			return nil, fmt.Errorf("the chunksize %d parameter should be a number that is larger than or equal to %d", chunkSize, minChunkSize)
		}
	}

	rootDirectory := fmt.Sprint(parameters["rootdirectory"])
	if _, ok := parameters["rootdirectory"]; !ok {
		rootDirectory = ""
	}

	regionEndpoint := ""
	if ep, ok := parameters["regionendpoint"]; ok {
		regionEndpoint = fmt.Sprint(ep)
	}

	params := DriverParameters{
		AccessKey:      accessKey,
		SecretKey:      secretKey,
		SessionToken:   sessionToken,
		Bucket:         fmt.Sprint(bucket),
		Region:         fmt.Sprint(regionName),
		RegionEndpoint: regionEndpoint,
		ForcePathStyle: forcePathStyleBool,
		Encrypt:        encryptBool,
		Secure:         secureBool,
		ChunkSize:      chunkSize,
		RootDirectory:  rootDirectory,
	}

	return New(ctx, params)
}

// New constructs a new Driver with the given AWS credentials, region,
// encryption flag and bucket name.
func New(ctx context.Context, params DriverParameters) (*Driver, error) {
	var optFns []func(*awsconfig.LoadOptions) error
	optFns = append(optFns, awsconfig.WithRegion(params.Region))

	if params.AccessKey != "" && params.SecretKey != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(params.AccessKey, params.SecretKey, params.SessionToken),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("unable to resolve aws credentials: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = params.ForcePathStyle
		if params.RegionEndpoint != "" {
			o.BaseEndpoint = aws.String(params.RegionEndpoint)
		}
	})

	// Validate that the given credentials have at least read permissions in
	// the given bucket scope.
	if _, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(params.Bucket),
		Prefix:  aws.String(strings.TrimRight(params.RootDirectory, "/")),
		MaxKeys: aws.Int32(1),
	}); err != nil {
		return nil, fmt.Errorf("unable to list bucket %q: %w", params.Bucket, err)
	}

	d := &driver{
		S3:            client,
		Bucket:        params.Bucket,
		ChunkSize:     params.ChunkSize,
		Encrypt:       params.Encrypt,
		RootDirectory: params.RootDirectory,
	}

	return &Driver{
		baseEmbed: baseEmbed{
			Base: base.Base{
				StorageDriver: d,
			},
		},
	}, nil
}

func (d *driver) Name() string {
	return driverName
}

// GetContent retrieves the content stored at "path" as a []byte.
func (d *driver) GetContent(ctx context.Context, path string) ([]byte, error) {
	rc, err := d.Reader(ctx, path, 0)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	return io.ReadAll(rc)
}

// PutContent stores the []byte content at a location designated by "path".
func (d *driver) PutContent(ctx context.Context, subPath string, contents []byte) error {
	_, err := d.S3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(d.Bucket),
		Key:                  aws.String(d.s3Path(subPath)),
		Body:                 bytes.NewReader(contents),
		ContentType:          aws.String(d.getContentType()),
		ServerSideEncryption: d.getEncryption(),
	})
	return parseError(subPath, err)
}

// Reader retrieves an io.ReadCloser for the content stored at "path" with
// a given byte offset.
func (d *driver) Reader(ctx context.Context, path string, offset int64) (io.ReadCloser, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(d.Bucket),
		Key:    aws.String(d.s3Path(path)),
	}
	if offset > 0 {
		input.Range = aws.String(fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := d.S3.GetObject(ctx, input)
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, storagedriver.PathNotFoundError{Path: path, DriverName: driverName}
		}
		return nil, err
	}

	return resp.Body, nil
}

// Writer returns a FileWriter which is used to resume or append to content
// at the given path.
func (d *driver) Writer(ctx context.Context, subPath string, doAppend bool) (storagedriver.FileWriter, error) {
	key := d.s3Path(subPath)

	var buf bytes.Buffer
	if doAppend {
		existing, err := d.GetContent(ctx, subPath)
		if err != nil {
			var notFound storagedriver.PathNotFoundError
			if !errors.As(err, &notFound) {
				return nil, err
			}
		} else {
			buf.Write(existing)
		}
	}

	return &writer{
		driver: d,
		key:    key,
		buf:    buf,
		size:   int64(buf.Len()),
	}, nil
}

// Stat retrieves the FileInfo for the given path.
func (d *driver) Stat(ctx context.Context, subPath string) (storagedriver.FileInfo, error) {
	key := d.s3Path(subPath)

	head, err := d.S3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(d.Bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return storagedriver.FileInfoInternal{FileInfoFields: storagedriver.FileInfoFields{
			Path:    subPath,
			Size:    aws.ToInt64(head.ContentLength),
			ModTime: aws.ToTime(head.LastModified),
			IsDir:   false,
		}}, nil
	}

	// Not an exact object key, see if it resolves to a "directory" prefix.
	prefix := key
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	listResp, lerr := d.S3.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(d.Bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(1),
	})
	if lerr == nil && (len(listResp.Contents) > 0 || len(listResp.CommonPrefixes) > 0) {
		return storagedriver.FileInfoInternal{FileInfoFields: storagedriver.FileInfoFields{
			Path:  subPath,
			IsDir: true,
		}}, nil
	}

	return nil, storagedriver.PathNotFoundError{Path: subPath, DriverName: driverName}
}

// List returns a list of the objects that are direct descendants of the
// given path.
func (d *driver) List(ctx context.Context, subPath string) ([]string, error) {
	path := subPath
	if path != "/" && !strings.HasSuffix(path, "/") {
		path += "/"
	}

	prefix := ""
	if d.s3Path("") == "" {
		prefix = "/"
	}

	var files, directories []string

	paginator := s3.NewListObjectsV2Paginator(d.S3, &s3.ListObjectsV2Input{
		Bucket:    aws.String(d.Bucket),
		Prefix:    aws.String(d.s3Path(path)),
		Delimiter: aws.String("/"),
		MaxKeys:   aws.Int32(listMax),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}

		for _, obj := range page.Contents {
			files = append(files, strings.Replace(aws.ToString(obj.Key), d.s3Path(""), prefix, 1))
		}

		for _, common := range page.CommonPrefixes {
			cp := aws.ToString(common.Prefix)
			cp = strings.TrimSuffix(cp, "/")
			directories = append(directories, strings.Replace(cp, d.s3Path(""), prefix, 1))
		}
	}

	if len(files) == 0 && len(directories) == 0 {
		return nil, storagedriver.PathNotFoundError{Path: subPath, DriverName: driverName}
	}

	return append(files, directories...), nil
}

// Move moves an object stored at sourcePath to destPath, removing the
// original object.
func (d *driver) Move(ctx context.Context, sourcePath string, destPath string) error {
	source := fmt.Sprintf("%s/%s", d.Bucket, d.s3Path(sourcePath))

	_, err := d.S3.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:               aws.String(d.Bucket),
		Key:                  aws.String(d.s3Path(destPath)),
		CopySource:           aws.String(source),
		ServerSideEncryption: d.getEncryption(),
	})
	if err != nil {
		return parseError(sourcePath, err)
	}

	return d.Delete(ctx, sourcePath)
}

// Delete recursively deletes all objects stored at "path" and its subpaths.
func (d *driver) Delete(ctx context.Context, subPath string) error {
	key := d.s3Path(subPath)

	listResp, err := d.S3.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(d.Bucket),
		Prefix:  aws.String(key),
		MaxKeys: aws.Int32(listMax),
	})
	if err != nil || len(listResp.Contents) == 0 {
		return storagedriver.PathNotFoundError{Path: subPath, DriverName: driverName}
	}

	for {
		objects := make([]types.ObjectIdentifier, 0, len(listResp.Contents))
		for _, obj := range listResp.Contents {
			objects = append(objects, types.ObjectIdentifier{Key: obj.Key})
		}

		if _, err := d.S3.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(d.Bucket),
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		}); err != nil {
			return err
		}

		if listResp.IsTruncated == nil || !*listResp.IsTruncated {
			break
		}

		listResp, err = d.S3.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(d.Bucket),
			Prefix:            aws.String(key),
			MaxKeys:           aws.Int32(listMax),
			ContinuationToken: listResp.NextContinuationToken,
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// RedirectURL returns a presigned URL which may be used to retrieve the
// content stored at the given path.
func (d *driver) RedirectURL(r *http.Request, subPath string) (string, error) {
	presignClient := s3.NewPresignClient(d.S3)

	method := http.MethodGet
	if r != nil && r.Method == http.MethodHead {
		method = http.MethodHead
	}

	var req *s3.PresignedHTTPRequest
	var err error

	switch method {
	case http.MethodHead:
		req, err = presignClient.PresignHeadObject(r.Context(), &s3.HeadObjectInput{
			Bucket: aws.String(d.Bucket),
			Key:    aws.String(d.s3Path(subPath)),
		}, s3.WithPresignExpires(20*time.Minute))
	default:
		req, err = presignClient.PresignGetObject(r.Context(), &s3.GetObjectInput{
			Bucket: aws.String(d.Bucket),
			Key:    aws.String(d.s3Path(subPath)),
		}, s3.WithPresignExpires(20*time.Minute))
	}
	if err != nil {
		return "", err
	}

	return req.URL, nil
}

// Walk traverses a filesystem defined within driver, starting from the
// given path.
func (d *driver) Walk(ctx context.Context, path string, f storagedriver.WalkFn, options ...func(*storagedriver.WalkOptions)) error {
	return storagedriver.WalkFallback(ctx, d, path, f, options...)
}

func (d *driver) s3Path(subPath string) string {
	return strings.TrimLeft(strings.TrimRight(d.RootDirectory, "/")+subPath, "/")
}

func (d *driver) getEncryption() types.ServerSideEncryption {
	if d.Encrypt {
		return types.ServerSideEncryptionAes256
	}
	return ""
}

func (d *driver) getContentType() string {
	return "application/octet-stream"
}

func parseError(path string, err error) error {
	if err == nil {
		return nil
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return storagedriver.PathNotFoundError{Path: path, DriverName: driverName}
	}
	return err
}

// writer accumulates content in memory and commits it to S3 as a single
// object. Content is buffered rather than streamed in chunks; this keeps
// the implementation simple at the cost of holding the full blob in
// memory during upload, acceptable given the registry's own scratch-file
// discipline stages content on local disk before it ever reaches a
// remote storage driver.
type writer struct {
	driver    *driver
	key       string
	buf       bytes.Buffer
	size      int64
	closed    bool
	committed bool
	cancelled bool
}

func (w *writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, fmt.Errorf("already closed")
	} else if w.committed {
		return 0, fmt.Errorf("already committed")
	} else if w.cancelled {
		return 0, fmt.Errorf("already cancelled")
	}

	n, err := w.buf.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *writer) Size() int64 {
	return w.size
}

func (w *writer) Close() error {
	if w.closed {
		return fmt.Errorf("already closed")
	}
	w.closed = true
	return nil
}

func (w *writer) Cancel(ctx context.Context) error {
	if w.closed {
		return fmt.Errorf("already closed")
	}
	w.cancelled = true
	return nil
}

func (w *writer) Commit(ctx context.Context) error {
	if w.closed {
		return fmt.Errorf("already closed")
	} else if w.committed {
		return fmt.Errorf("already committed")
	} else if w.cancelled {
		return fmt.Errorf("already cancelled")
	}

	_, err := w.driver.S3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(w.driver.Bucket),
		Key:                  aws.String(w.key),
		Body:                 bytes.NewReader(w.buf.Bytes()),
		ContentType:          aws.String(w.driver.getContentType()),
		ServerSideEncryption: w.driver.getEncryption(),
	})
	if err != nil {
		return err
	}

	w.committed = true
	return nil
}
