package subscribe

import (
	"bytes"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// ids tag connections and subscription attempts
// so that events from a torn down attempt can be recognized and dropped

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func (self Id) IsZero() bool {
	return self == Id{}
}

func (self Id) String() string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", self[0:4], self[4:6], self[6:8], self[8:10], self[10:16])
}

func (self Id) MarshalJSON() ([]byte, error) {
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(self.String())
	buff.WriteByte('"')
	return buff.Bytes(), nil
}
