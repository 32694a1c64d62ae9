package stage

import (
	"fmt"

	"coverforge/internal/fingerprint"
	"coverforge/internal/services"
)

// FileMetaData binds a file name to its content fingerprint.
type FileMetaData struct {
	Name   string                  `json:"name"`
	HashID fingerprint.Fingerprint `json:"hash_id"`
}

func (f FileMetaData) fields() []fingerprint.Field {
	return []fingerprint.Field{
		{Name: "name", Value: f.Name},
		{Name: "hash_id", Value: f.HashID},
	}
}

// Descriptor identifies one stage execution: what it consumes and how.
type Descriptor struct {
	Kind     Kind
	Upstream []FileMetaData
	Params   Params
}

// Fingerprint derives the stage identity from the upstream file identities,
// the stage kind and the canonical parameters. Upstream content is never
// re-read; each upstream hash id stands in for its bytes.
//
// Source descriptors are content-addressed: their single upstream entry is
// the raw song and its hash id is the fingerprint.
func (d Descriptor) Fingerprint(size int) (fingerprint.Fingerprint, error) {
	if !d.Kind.Valid() {
		return "", services.Wrap(services.ErrValidation, "stage", "fingerprint", fmt.Sprintf("unknown stage %q", d.Kind), nil)
	}
	if d.Params == nil {
		return "", services.Wrap(services.ErrValidation, string(d.Kind), "fingerprint", "parameters are required", nil)
	}
	if d.Params.Kind() != d.Kind {
		return "", services.Wrap(services.ErrValidation, string(d.Kind), "fingerprint",
			fmt.Sprintf("%s parameters supplied to %s stage", d.Params.Kind(), d.Kind), nil)
	}
	params, err := fingerprint.Canonical(d.Params.Fields())
	if err != nil {
		return "", err
	}
	return derive(d.Kind, d.Upstream, params, size)
}

func derive(kind Kind, upstream []FileMetaData, canonicalParams []byte, size int) (fingerprint.Fingerprint, error) {
	if kind == KindSource {
		if len(upstream) != 1 || upstream[0].HashID == "" {
			return "", services.Wrap(services.ErrValidation, string(kind), "fingerprint", "source stage needs exactly one content hash", nil)
		}
		if err := fingerprint.ValidateSize(size); err != nil {
			return "", err
		}
		if upstream[0].HashID.Size() != size {
			return "", services.Wrap(services.ErrValidation, string(kind), "fingerprint",
				fmt.Sprintf("content hash %s does not match digest size %d", upstream[0].HashID, size), nil)
		}
		return upstream[0].HashID, nil
	}
	if len(upstream) == 0 {
		return "", services.Wrap(services.ErrValidation, string(kind), "fingerprint", "at least one upstream file is required", nil)
	}
	refs := make([]any, len(upstream))
	for i, u := range upstream {
		if u.HashID == "" {
			return "", services.Wrap(services.ErrValidation, string(kind), "fingerprint", fmt.Sprintf("upstream %q has no hash id", u.Name), nil)
		}
		refs[i] = u.fields()
	}
	encodedUpstream, err := fingerprint.CanonicalValue(refs)
	if err != nil {
		return "", err
	}
	return fingerprint.Composite(string(kind), size, encodedUpstream, canonicalParams)
}
