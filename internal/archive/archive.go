// Package archive extracts single members out of local zip archives.
//
// The zip reader comes from github.com/klauspost/compress, a drop-in for
// archive/zip with a faster inflate path; geographic tiles are large enough
// for that to matter.
package archive

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
)

// Extraction errors.
var (
	// ErrNotAValidArchive is returned when the file is not a well-formed zip
	// container, or when its contents decode inconsistently (bad checksums,
	// truncated streams). Remote tile servers answer requests for tiles that
	// do not exist with bodies that fail this check, so callers usually treat
	// it as "no such tile" rather than as a failure.
	ErrNotAValidArchive = errors.New("not a valid zip archive")

	// ErrMemberNotFound is returned when the archive is well-formed but does
	// not contain the requested member.
	ErrMemberNotFound = errors.New("archive member not found")
)

const memberFilePerm = 0o644

// Zip extracts members from zip archives on disk.
//
// Zip is stateless and safe for concurrent use.
type Zip struct{}

// NewZip returns a ready-to-use [Zip].
func NewZip() *Zip {
	return &Zip{}
}

// ExtractMember writes the named member of the archive at archivePath into
// targetDir, under the member's own name.
//
// The archive is validated as a well-formed container before anything is
// written. The member file is written directly at its final path, so callers
// coordinating with concurrent readers must hold whatever lock guards that
// path for the duration of the call. On error nothing is left behind at the
// member path.
//
// ExtractMember never removes the archive itself; cleanup stays with the
// caller.
func (z *Zip) ExtractMember(archivePath, member, targetDir string) error {
	if !filepath.IsLocal(member) || strings.ContainsRune(member, '/') {
		return fmt.Errorf("member name %q is not a plain file name", member)
	}

	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		if reader != nil {
			_ = reader.Close()
		}

		// Open failures (missing file, permissions) surface as path errors;
		// everything else means the bytes are not a zip container.
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) {
			return fmt.Errorf("opening archive: %w", err)
		}

		return fmt.Errorf("%w: %s: %v", ErrNotAValidArchive, archivePath, err)
	}
	defer reader.Close()

	for _, file := range reader.File {
		if file.Name != member {
			continue
		}

		return z.writeMember(file, filepath.Join(targetDir, member))
	}

	return fmt.Errorf("%w: %q in %s", ErrMemberNotFound, member, archivePath)
}

func (z *Zip) writeMember(file *zip.File, dst string) error {
	src, err := file.Open()
	if err != nil {
		return fmt.Errorf("%w: opening member %q: %v", ErrNotAValidArchive, file.Name, err)
	}
	defer src.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, memberFilePerm)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}

	_, copyErr := io.Copy(out, src)
	closeErr := out.Close()

	if copyErr == nil {
		copyErr = closeErr
	}

	if copyErr != nil {
		_ = os.Remove(dst)

		return classifyMemberError(file.Name, dst, copyErr)
	}

	return nil
}

// classifyMemberError separates corrupt-archive failures from local I/O
// failures. Checksum mismatches, truncated deflate streams, and malformed
// entries all mean the container is bad; anything else is a problem writing
// the destination.
func classifyMemberError(member, dst string, err error) error {
	if errors.Is(err, zip.ErrChecksum) || errors.Is(err, zip.ErrFormat) ||
		errors.Is(err, zip.ErrAlgorithm) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: reading member %q: %v", ErrNotAValidArchive, member, err)
	}

	return fmt.Errorf("writing %s: %w", dst, err)
}
