package artifact

import (
	"io"
	"sort"

	"coverforge/internal/fingerprint"
	"coverforge/internal/services"
	"coverforge/internal/stage"
)

// Writer is handed to a Producer. Every file written through it is hashed on
// the way in; the order of writes is the order of the artifact's outputs, so
// the first file is the primary output.
type Writer struct {
	staging    Staging
	digestSize int
	outputs    []stage.FileMetaData
	seen       map[string]struct{}
	open       map[string]*hashingFile
}

func newWriter(s Staging, digestSize int) *Writer {
	return &Writer{
		staging:    s,
		digestSize: digestSize,
		seen:       make(map[string]struct{}),
		open:       make(map[string]*hashingFile),
	}
}

// Create opens a new output file. The file is recorded when closed.
func (w *Writer) Create(name string) (io.WriteCloser, error) {
	if err := w.claim(name); err != nil {
		return nil, err
	}
	dst, err := w.staging.Create(name)
	if err != nil {
		delete(w.seen, name)
		return nil, err
	}
	hasher, err := fingerprint.NewHasher(w.digestSize)
	if err != nil {
		_ = dst.Close()
		delete(w.seen, name)
		return nil, err
	}
	f := &hashingFile{writer: w, name: name, dst: dst, hasher: hasher}
	w.open[name] = f
	return f, nil
}

// CopyFrom writes the contents of r as a new output.
func (w *Writer) CopyFrom(name string, r io.Reader) error {
	dst, err := w.Create(name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, r); err != nil {
		_ = dst.Close()
		return services.Wrap(services.ErrIO, "artifact", "write output", name, err)
	}
	return dst.Close()
}

// Import moves a finished file into the artifact. The source path is consumed.
func (w *Writer) Import(name, path string) error {
	if err := w.claim(name); err != nil {
		return err
	}
	hash, err := fingerprint.File(path, w.digestSize)
	if err != nil {
		delete(w.seen, name)
		return err
	}
	if err := w.staging.Import(name, path); err != nil {
		delete(w.seen, name)
		return err
	}
	w.outputs = append(w.outputs, stage.FileMetaData{Name: name, HashID: hash})
	return nil
}

// Outputs returns the recorded outputs in write order.
func (w *Writer) Outputs() []stage.FileMetaData {
	out := make([]stage.FileMetaData, len(w.outputs))
	copy(out, w.outputs)
	return out
}

// abandon closes outputs the producer never closed, without recording them,
// and returns their names.
func (w *Writer) abandon() []string {
	names := make([]string, 0, len(w.open))
	for name, f := range w.open {
		f.closed = true
		_ = f.dst.Close()
		names = append(names, name)
	}
	clear(w.open)
	sort.Strings(names)
	return names
}

func (w *Writer) claim(name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	if _, dup := w.seen[name]; dup {
		return services.Wrap(services.ErrValidation, "artifact", "output name", "duplicate output "+name, nil)
	}
	w.seen[name] = struct{}{}
	return nil
}

type hashingFile struct {
	writer *Writer
	name   string
	dst    io.WriteCloser
	hasher *fingerprint.Hasher
	closed bool
}

func (f *hashingFile) Write(p []byte) (int, error) {
	n, err := f.dst.Write(p)
	_, _ = f.hasher.Write(p[:n])
	return n, err
}

func (f *hashingFile) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	delete(f.writer.open, f.name)
	if err := f.dst.Close(); err != nil {
		return services.Wrap(services.ErrIO, "artifact", "close output", f.name, err)
	}
	f.writer.outputs = append(f.writer.outputs, stage.FileMetaData{Name: f.name, HashID: f.hasher.Sum()})
	return nil
}
