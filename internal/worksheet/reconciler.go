package worksheet

import (
	"context"
	"errors"
	"fmt"

	"worksheet-service/internal/bundle"
	"worksheet-service/internal/domain"
	apiError "worksheet-service/internal/errors"
)

type worksheetLookup interface {
	Lookup(ctx context.Context, principal domain.Principal, baseUUID, spec string) (*domain.Worksheet, error)
}

// Reconciler converts caller supplied items into stored tuples. Specs are
// resolved to ids here; ids themselves are weak references and are stored
// without checking that their target exists.
type Reconciler struct {
	bundles bundle.Directory
	lookup  worksheetLookup
}

func NewReconciler(bundles bundle.Directory, lookup worksheetLookup) *Reconciler {
	return &Reconciler{bundles: bundles, lookup: lookup}
}

// Reconcile validates inputs and returns them in stored form, in the same
// order. Any unresolvable reference rejects the whole list unless legacy is
// set, in which case the raw spec is kept as a placeholder reference.
func (r *Reconciler) Reconcile(ctx context.Context, principal domain.Principal, baseUUID string, inputs []ItemInput, legacy bool) ([]domain.WorksheetItem, error) {
	items := make([]domain.WorksheetItem, 0, len(inputs))
	fields := map[string]string{}

	for i, in := range inputs {
		key := fmt.Sprintf("items[%d]", i)
		item := domain.WorksheetItem{Type: in.Type, Value: in.Value}

		switch in.Type {
		case domain.ItemTypeBundle:
			ref, msg, err := r.bundleRef(ctx, baseUUID, in, legacy)
			if err != nil {
				return nil, err
			}
			if msg != "" {
				fields[key+".bundle"] = msg
				continue
			}
			item.BundleUUID = &ref

		case domain.ItemTypeWorksheet:
			ref, msg, err := r.worksheetRef(ctx, principal, baseUUID, in, legacy)
			if err != nil {
				return nil, err
			}
			if msg != "" {
				fields[key+".subworksheet"] = msg
				continue
			}
			item.SubworksheetUUID = &ref

		case domain.ItemTypeMarkup, domain.ItemTypeDirective:
			if in.BundleUUID != nil || in.BundleSpec != "" || in.SubworksheetUUID != nil || in.SubworksheetSpec != "" {
				fields[key] = fmt.Sprintf("%s items cannot reference bundles or worksheets", in.Type)
				continue
			}

		default:
			fields[key+".type"] = fmt.Sprintf("unknown item type %q", in.Type)
			continue
		}

		items = append(items, item)
	}

	if len(fields) > 0 {
		apiErr := apiError.UnprocessableEntity("Invalid worksheet items", nil)
		apiErr.Fields = fields
		return nil, apiErr
	}
	return items, nil
}

func (r *Reconciler) bundleRef(ctx context.Context, baseUUID string, in ItemInput, legacy bool) (string, string, error) {
	if in.BundleUUID != nil && *in.BundleUUID != "" {
		return *in.BundleUUID, "", nil
	}
	if in.BundleSpec == "" {
		return "", "bundle_uuid or bundle_spec is required", nil
	}

	id, err := r.bundles.ResolveBundleSpec(ctx, baseUUID, in.BundleSpec)
	switch {
	case err == nil:
		return id, "", nil
	case errors.Is(err, domain.ErrNotFound) && legacy:
		return in.BundleSpec, "", nil
	case errors.Is(err, domain.ErrNotFound):
		return "", fmt.Sprintf("no bundle matches %q", in.BundleSpec), nil
	default:
		return "", "", err
	}
}

func (r *Reconciler) worksheetRef(ctx context.Context, principal domain.Principal, baseUUID string, in ItemInput, legacy bool) (string, string, error) {
	if in.SubworksheetUUID != nil && *in.SubworksheetUUID != "" {
		return *in.SubworksheetUUID, "", nil
	}
	if in.SubworksheetSpec == "" {
		return "", "subworksheet_uuid or subworksheet_spec is required", nil
	}

	ws, err := r.lookup.Lookup(ctx, principal, baseUUID, in.SubworksheetSpec)
	switch {
	case err == nil:
		return ws.UUID, "", nil
	case (errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrAmbiguous)) && legacy:
		return in.SubworksheetSpec, "", nil
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrAmbiguous):
		return "", err.Error(), nil
	default:
		return "", "", err
	}
}
