package stage

import (
	"bytes"
	"encoding/json"
	"fmt"

	"coverforge/internal/fingerprint"
	"coverforge/internal/services"
)

// MetaData is the provenance record stored beside every artifact.
type MetaData struct {
	StageKind  Kind            `json:"stage_kind"`
	Upstream   []FileMetaData  `json:"upstream"`
	Parameters json.RawMessage `json:"parameters"`
	Outputs    []FileMetaData  `json:"outputs"`
	DigestSize int             `json:"digest_size"`
}

// NewMetaData records the descriptor's provenance. Outputs are filled in by
// the artifact store as files are written.
func NewMetaData(d Descriptor, digestSize int) (MetaData, error) {
	if d.Params == nil {
		return MetaData{}, services.Wrap(services.ErrValidation, string(d.Kind), "metadata", "parameters are required", nil)
	}
	params, err := fingerprint.Canonical(d.Params.Fields())
	if err != nil {
		return MetaData{}, err
	}
	upstream := make([]FileMetaData, len(d.Upstream))
	copy(upstream, d.Upstream)
	return MetaData{
		StageKind:  d.Kind,
		Upstream:   upstream,
		Parameters: json.RawMessage(params),
		DigestSize: digestSize,
	}, nil
}

// Fingerprint recomputes the artifact identity from the recorded provenance.
// A mismatch with the directory's fingerprint means the record was altered.
func (m MetaData) Fingerprint() (fingerprint.Fingerprint, error) {
	if !m.StageKind.Valid() {
		return "", services.Wrap(services.ErrEncoding, "metadata", "fingerprint", fmt.Sprintf("unknown stage %q", m.StageKind), nil)
	}
	params, err := fingerprint.Recanonicalize(m.paramsOrEmpty())
	if err != nil {
		return "", err
	}
	return derive(m.StageKind, m.Upstream, params, m.DigestSize)
}

// Output returns the output whose name matches exactly or by stem.
func (m MetaData) Output(name string) (FileMetaData, bool) {
	for _, out := range m.Outputs {
		if out.Name == name {
			return out, true
		}
	}
	for _, out := range m.Outputs {
		if stem(out.Name) == name {
			return out, true
		}
	}
	return FileMetaData{}, false
}

// MarshalCanonical renders the record in the same canonical form used for
// parameter fingerprints, so the file is stable and diffable.
func (m MetaData) MarshalCanonical() ([]byte, error) {
	var params any
	dec := json.NewDecoder(bytes.NewReader(m.paramsOrEmpty()))
	dec.UseNumber()
	if err := dec.Decode(&params); err != nil {
		return nil, services.Wrap(services.ErrEncoding, "metadata", "decode parameters", "", err)
	}
	encoded, err := fingerprint.Canonical([]fingerprint.Field{
		{Name: "stage_kind", Value: m.StageKind},
		{Name: "upstream", Value: fileList(m.Upstream)},
		{Name: "parameters", Value: params},
		{Name: "outputs", Value: fileList(m.Outputs)},
		{Name: "digest_size", Value: m.DigestSize},
	})
	if err != nil {
		return nil, err
	}
	return append(encoded, '\n'), nil
}

// ParseMetaData decodes a stored record.
func ParseMetaData(data []byte) (MetaData, error) {
	var meta MetaData
	if err := json.Unmarshal(data, &meta); err != nil {
		return MetaData{}, services.Wrap(services.ErrEncoding, "metadata", "decode", "", err)
	}
	if !meta.StageKind.Valid() {
		return MetaData{}, services.Wrap(services.ErrEncoding, "metadata", "decode", fmt.Sprintf("unknown stage %q", meta.StageKind), nil)
	}
	if meta.DigestSize < 1 || meta.DigestSize > fingerprint.MaxDigestSize {
		return MetaData{}, services.Wrap(services.ErrEncoding, "metadata", "decode", fmt.Sprintf("invalid digest size %d", meta.DigestSize), nil)
	}
	return meta, nil
}

func (m MetaData) paramsOrEmpty() []byte {
	if len(bytes.TrimSpace(m.Parameters)) == 0 {
		return []byte("{}")
	}
	return m.Parameters
}

func fileList(files []FileMetaData) []any {
	out := make([]any, len(files))
	for i, f := range files {
		out[i] = f.fields()
	}
	return out
}

func stem(name string) string {
	for i := len(name) - 1; i > 0; i-- {
		if name[i] == '.' {
			return name[:i]
		}
	}
	return name
}
