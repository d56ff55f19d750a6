package keystore

import "context"

// Source persiste las claves importadas. El conjunto es cerrado (memory, file,
// postgres) y se elige en configuración: los métodos no exportados impiden
// implementaciones fuera del paquete, de modo que el material sellado nunca
// circula por tipos ajenos.
type Source interface {
	Kind() string
	load(ctx context.Context) ([]record, error)
	insert(ctx context.Context, rec record) error
	updateStatus(ctx context.Context, id string, st Status) error
}

// record es la forma persistida: handle público + material privado en claro
// (las fuentes durables lo sellan con secretbox antes de escribir).
type record struct {
	handle   KeyHandle
	material []byte
}

func (r record) clone() record {
	return record{handle: r.handle.clone(), material: append([]byte(nil), r.material...)}
}
