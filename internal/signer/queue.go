package signer

import (
	"hash/fnv"
	"sync"
)

const laneShards = 32

// keyQueue serializa el trabajo por key_id en orden de llegada.
//
// Cada lane es una cadena de tickets: quien llega toma el canal de cola
// actual como "anterior", instala el suyo y espera a que el anterior se
// cierre. Distintas claves no comparten lane; los shards sólo protegen el
// mapa de lanes, nunca se retienen durante la firma.
type keyQueue struct {
	shards [laneShards]*laneShard
}

type laneShard struct {
	mu    sync.Mutex
	lanes map[string]*lane
}

type lane struct {
	tail    chan struct{}
	holders int
}

func newKeyQueue() *keyQueue {
	q := &keyQueue{}
	for i := range q.shards {
		q.shards[i] = &laneShard{lanes: make(map[string]*lane)}
	}
	return q
}

func (q *keyQueue) shardFor(key string) *laneShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return q.shards[h.Sum32()%laneShards]
}

// acquire bloquea hasta que todos los que llegaron antes por key liberen.
// No es cancelable: el trabajo concedido corre hasta el final.
func (q *keyQueue) acquire(key string) (release func()) {
	sh := q.shardFor(key)
	sh.mu.Lock()
	l := sh.lanes[key]
	if l == nil {
		l = &lane{}
		sh.lanes[key] = l
	}
	prev := l.tail
	mine := make(chan struct{})
	l.tail = mine
	l.holders++
	sh.mu.Unlock()

	if prev != nil {
		<-prev
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			close(mine)
			sh.mu.Lock()
			l.holders--
			if l.holders == 0 {
				delete(sh.lanes, key)
			}
			sh.mu.Unlock()
		})
	}
}

// depth devuelve cuántos requests (en curso + esperando) hay para key.
func (q *keyQueue) depth(key string) int {
	sh := q.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if l := sh.lanes[key]; l != nil {
		return l.holders
	}
	return 0
}
