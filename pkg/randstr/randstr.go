package randstr

import "math/rand"

type Generator struct {
	alphabet []byte
}

func New(alphabet []byte) *Generator {
	return &Generator{alphabet: alphabet}
}

func (g *Generator) GenerateRandomString(length int) string {
	out := make([]byte, length)
	for i := range out {
		out[i] = g.alphabet[rand.Intn(len(g.alphabet))]
	}
	return string(out)
}
