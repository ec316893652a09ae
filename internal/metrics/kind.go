package metrics

import "github.com/MeKo-Tech/tilerenderd/internal/renderror"

// kindLabel turns an error into a low-cardinality Prometheus label value.
func kindLabel(err error) string {
	return renderror.KindOf(err).String()
}
