package trace

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path"

	"netopsy/pkg/logger"
)

// ExportZip writes every session of t as raw/NNN_c.txt and raw/NNN_s.txt
// entries, the layout OpenZip reads.
func ExportZip(t *Trace, w io.Writer) (int, error) {
	zw := zip.NewWriter(w)

	count := 0
	for _, s := range t.Sessions() {
		files := []struct {
			ft  FileType
			idx MessageIndex
		}{
			{FileRequest, s.Request},
			{FileResponse, s.Response},
		}
		for _, f := range files {
			if isNilIndex(f.idx) {
				continue
			}
			data, err := t.FileData(f.idx.FilePath(), false)
			if os.IsNotExist(err) {
				// a response indexed before its first byte arrived
				continue
			}
			if err != nil {
				zw.Close()
				return count, fmt.Errorf("read session %d %s: %w", s.Number, f.ft, err)
			}

			entry, err := zw.Create(path.Join("raw", FileName(s.Number, f.ft)))
			if err != nil {
				zw.Close()
				return count, fmt.Errorf("failed to create entry: %w", err)
			}
			if _, err := entry.Write(data); err != nil {
				zw.Close()
				return count, fmt.Errorf("failed to write entry: %w", err)
			}
		}
		count++
	}

	if err := zw.Close(); err != nil {
		return count, fmt.Errorf("failed to finish zip: %w", err)
	}
	return count, nil
}

func isNilIndex(idx MessageIndex) bool {
	switch v := idx.(type) {
	case *RequestIndex:
		return v == nil
	case *ResponseIndex:
		return v == nil
	}
	return idx == nil
}

// ExportZipFile is ExportZip into a new file at outputPath. A partial file
// is removed on failure.
func ExportZipFile(t *Trace, outputPath string) error {
	logger.TraceLog().Str("path", outputPath).Msg("Starting trace export")

	file, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	count, err := ExportZip(t, file)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(outputPath)
		return err
	}

	logger.TraceLog().Str("path", outputPath).Int("sessions", count).Msg("Trace exported")
	return nil
}
