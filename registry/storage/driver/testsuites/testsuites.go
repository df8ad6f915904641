// Package testsuites provides a conformance suite shared by every
// StorageDriver implementation (filesystem, s3, azure, inmemory).
package testsuites

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"path"
	"strings"

	"github.com/stretchr/testify/suite"

	storagedriver "github.com/trow-registry/trow/registry/storage/driver"
)

// DriverConstructor builds a new StorageDriver instance for testing.
type DriverConstructor func() (storagedriver.StorageDriver, error)

// SkipCheck returns a non-empty reason to skip the suite, or "" to run it.
type SkipCheck func() string

// NeverSkip never skips the suite.
var NeverSkip SkipCheck = func() string { return "" }

// DriverSuite is a testify suite exercising the common StorageDriver
// contract against whichever backend Constructor produces.
type DriverSuite struct {
	suite.Suite

	Constructor DriverConstructor
	SkipCheck   SkipCheck

	StorageDriver storagedriver.StorageDriver

	ctx context.Context
}

// NewDriverSuite constructs a DriverSuite for the given constructor,
// ready to be run with suite.Run or driven manually via SetupSuite.
func NewDriverSuite(constructor DriverConstructor, skipCheck SkipCheck) *DriverSuite {
	if skipCheck == nil {
		skipCheck = NeverSkip
	}
	return &DriverSuite{Constructor: constructor, SkipCheck: skipCheck}
}

// RegisterSuite wires a DriverSuite for the given constructor into the
// standard go test runner via testify's suite.Run.
func RegisterSuite(t TestingT, constructor DriverConstructor, skipCheck SkipCheck) {
	suite.Run(t, NewDriverSuite(constructor, skipCheck))
}

// TestingT is the subset of *testing.T that suite.Run requires.
type TestingT = suite.TestingT

func (s *DriverSuite) SetupSuite() {
	s.ctx = context.Background()
	if s.SkipCheck == nil {
		s.SkipCheck = NeverSkip
	}
	if reason := s.SkipCheck(); reason != "" {
		s.T().Skip(reason)
	}
	d, err := s.Constructor()
	s.Require().NoError(err)
	s.StorageDriver = d
}

// TearDownSuite is a no-op hook kept for symmetry with SetupSuite; none
// of the in-tree backends require explicit suite-level cleanup.
func (s *DriverSuite) TearDownSuite() {}

func (s *DriverSuite) deletePath(p string) {
	_ = s.StorageDriver.Delete(s.ctx, p)
}

func (s *DriverSuite) TestWriteRead() {
	filename := randomPath(32)
	defer s.deletePath(firstPart(filename))

	contents := randomContents(1024)
	s.Require().NoError(s.StorageDriver.PutContent(s.ctx, filename, contents))

	got, err := s.StorageDriver.GetContent(s.ctx, filename)
	s.Require().NoError(err)
	s.Require().Equal(contents, got)
}

func (s *DriverSuite) TestWriteReadStreams() {
	filename := randomPath(32)
	defer s.deletePath(firstPart(filename))

	contents := randomContents(4096)

	writer, err := s.StorageDriver.Writer(s.ctx, filename, false)
	s.Require().NoError(err)
	n, err := io.Copy(writer, bytes.NewReader(contents))
	s.Require().NoError(err)
	s.Require().Equal(int64(len(contents)), n)
	s.Require().NoError(writer.Commit(s.ctx))
	s.Require().NoError(writer.Close())

	reader, err := s.StorageDriver.Reader(s.ctx, filename, 0)
	s.Require().NoError(err)
	defer reader.Close()

	got, err := io.ReadAll(reader)
	s.Require().NoError(err)
	s.Require().Equal(contents, got)
}

func (s *DriverSuite) TestReaderWithOffset() {
	filename := randomPath(32)
	defer s.deletePath(firstPart(filename))

	contents := randomContents(1024)
	s.Require().NoError(s.StorageDriver.PutContent(s.ctx, filename, contents))

	reader, err := s.StorageDriver.Reader(s.ctx, filename, 512)
	s.Require().NoError(err)
	defer reader.Close()

	got, err := io.ReadAll(reader)
	s.Require().NoError(err)
	s.Require().Equal(contents[512:], got)
}

func (s *DriverSuite) TestStat() {
	filename := randomPath(32)
	defer s.deletePath(firstPart(filename))

	contents := randomContents(128)
	s.Require().NoError(s.StorageDriver.PutContent(s.ctx, filename, contents))

	fi, err := s.StorageDriver.Stat(s.ctx, filename)
	s.Require().NoError(err)
	s.Require().False(fi.IsDir())
	s.Require().Equal(int64(len(contents)), fi.Size())
}

func (s *DriverSuite) TestStatNotFound() {
	_, err := s.StorageDriver.Stat(s.ctx, randomPath(32))
	s.Require().Error(err)
	_, ok := err.(storagedriver.PathNotFoundError)
	s.Require().True(ok)
}

func (s *DriverSuite) TestList() {
	parentDir := randomPath(8)
	defer s.deletePath(firstPart(parentDir))

	names := []string{"alpha", "beta", "gamma"}
	for _, n := range names {
		s.Require().NoError(s.StorageDriver.PutContent(s.ctx, path.Join(parentDir, n), randomContents(16)))
	}

	keys, err := s.StorageDriver.List(s.ctx, parentDir)
	s.Require().NoError(err)
	s.Require().Len(keys, len(names))
}

func (s *DriverSuite) TestMove() {
	sourcePath := randomPath(32)
	destPath := randomPath(32)
	defer s.deletePath(firstPart(sourcePath))
	defer s.deletePath(firstPart(destPath))

	contents := randomContents(256)
	s.Require().NoError(s.StorageDriver.PutContent(s.ctx, sourcePath, contents))
	s.Require().NoError(s.StorageDriver.Move(s.ctx, sourcePath, destPath))

	got, err := s.StorageDriver.GetContent(s.ctx, destPath)
	s.Require().NoError(err)
	s.Require().Equal(contents, got)

	_, err = s.StorageDriver.Stat(s.ctx, sourcePath)
	s.Require().Error(err)
}

func (s *DriverSuite) TestDelete() {
	filename := randomPath(32)
	s.Require().NoError(s.StorageDriver.PutContent(s.ctx, filename, randomContents(32)))
	s.Require().NoError(s.StorageDriver.Delete(s.ctx, filename))

	_, err := s.StorageDriver.Stat(s.ctx, filename)
	s.Require().Error(err)
}

func (s *DriverSuite) TestWalk() {
	parentDir := randomPath(8)
	defer s.deletePath(firstPart(parentDir))

	expected := map[string]bool{}
	for i := 0; i < 3; i++ {
		p := path.Join(parentDir, randomPath(16))
		expected[p] = false
		s.Require().NoError(s.StorageDriver.PutContent(s.ctx, p, randomContents(8)))
	}

	err := s.StorageDriver.Walk(s.ctx, parentDir, func(fi storagedriver.FileInfo) error {
		if !fi.IsDir() {
			expected[fi.Path()] = true
		}
		return nil
	})
	s.Require().NoError(err)

	for p, seen := range expected {
		s.Require().True(seen, "expected Walk to visit %s", p)
	}
}

func randomPath(length int64) string {
	var b strings.Builder
	b.WriteString("/")
	for int64(b.Len()) < length {
		b.WriteString(randomFilename(8))
		b.WriteString("/")
	}
	return strings.TrimSuffix(b.String(), "/")
}

func randomFilename(length int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	buf := make([]byte, length)
	for i := range buf {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
		if err != nil {
			panic(err)
		}
		buf[i] = alphabet[n.Int64()]
	}
	return string(buf)
}

func randomContents(size int64) []byte {
	contents := make([]byte, size)
	if _, err := rand.Read(contents); err != nil {
		panic(fmt.Sprintf("unable to generate random contents: %v", err))
	}
	return contents
}

func firstPart(p string) string {
	parts := strings.SplitN(strings.TrimPrefix(p, "/"), "/", 2)
	return "/" + parts[0]
}
