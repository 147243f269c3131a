package shipper

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ajitpratap0/logpipe/pkg/errors"
)

// line is one complete line and the file offset just past its newline.
type line struct {
	text string
	end  int64
}

// tailer reads complete lines from a growing file. A trailing line without
// a newline is held back until it is completed. A truncated file is read
// again from the start, and a file replaced at the same path is reopened
// once the old one is drained.
type tailer struct {
	path    string
	file    *os.File
	reader  *bufio.Reader
	offset  int64
	partial []byte
}

func openTailer(path string, offset int64) (*tailer, error) {
	t := &tailer{path: path}
	if err := t.open(offset); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *tailer) open(offset int64) error {
	f, err := os.Open(t.path)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeNotFound, "failed to open log file").
			WithDetail("path", t.path)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to stat log file")
	}
	if offset > info.Size() {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		_ = f.Close()
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to seek log file")
	}
	if t.file != nil {
		_ = t.file.Close()
	}
	t.file = f
	t.reader = bufio.NewReaderSize(f, 64*1024)
	t.offset = offset
	t.partial = t.partial[:0]
	return nil
}

// next returns up to max complete lines. It returns fewer, possibly none,
// when it reaches the end of the file.
func (t *tailer) next(max int) ([]line, error) {
	var out []line
	for len(out) < max {
		chunk, err := t.reader.ReadBytes('\n')
		if len(chunk) > 0 {
			t.partial = append(t.partial, chunk...)
		}
		if err == io.EOF {
			if len(out) == 0 {
				if rerr := t.checkRotation(); rerr != nil {
					return nil, rerr
				}
			}
			return out, nil
		}
		if err != nil {
			return out, errors.Wrap(err, errors.ErrorTypeInternal, "failed to read log file")
		}

		t.offset += int64(len(t.partial))
		text := strings.TrimRight(string(t.partial), "\r\n")
		t.partial = t.partial[:0]
		if strings.TrimSpace(text) == "" {
			continue
		}
		out = append(out, line{text: text, end: t.offset})
	}
	return out, nil
}

// checkRotation reopens the file when it was truncated below the read
// offset or replaced by a different file.
func (t *tailer) checkRotation() error {
	current, err := t.file.Stat()
	if err != nil {
		return nil
	}
	onDisk, err := os.Stat(t.path)
	if err != nil {
		return nil
	}
	switch {
	case !os.SameFile(current, onDisk):
		return t.open(0)
	case onDisk.Size() < t.offset+int64(len(t.partial)):
		return t.open(0)
	}
	return nil
}

func (t *tailer) Close() error {
	if t.file == nil {
		return nil
	}
	return t.file.Close()
}

// readPosition returns the saved offset, or 0 when there is none.
func readPosition(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeInternal, "failed to read position file")
	}
	pos, err := strconv.ParseInt(string(bytes.TrimSpace(data)), 10, 64)
	if err != nil || pos < 0 {
		return 0, errors.Newf(errors.ErrorTypeValidation, "corrupt position file %s", path)
	}
	return pos, nil
}

// writePosition replaces the position file atomically.
func writePosition(path string, pos int64) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to create position file")
	}
	if _, err := tmp.WriteString(strconv.FormatInt(pos, 10)); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to write position file")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to write position file")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to replace position file")
	}
	return nil
}
