package serializer

import (
	"github.com/ValentinKolb/dDoc/rpc/common"
	"go.mongodb.org/mongo-driver/bson"
)

// NewBSONSerializer creates a new serializer using bson documents. Time
// values are truncated to milliseconds by the bson datetime type.
func NewBSONSerializer() IRPCSerializer {
	return &bsonSerializerImpl{}
}

// bsonSerializerImpl implements the IRPCSerializer interface using bson encoding
type bsonSerializerImpl struct {
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (s bsonSerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	return bson.Marshal(msg)
}

func (s bsonSerializerImpl) Deserialize(b []byte, msg *common.Message) error {
	return bson.Unmarshal(b, msg)
}
