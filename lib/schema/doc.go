// Package schema declares the collections and views of a database.
//
// A Schema is built before the database is opened and handed to
// storage.Storage.Create. Each view names its source collection, a Mapper
// producing (key, value) index entries from a document, an optional Reducer
// folding the values of a key range, a version and an indexing policy:
//
//	s := schema.New("shop")
//	s.DefineCollection("orders")
//	s.DefineView(schema.View{
//		Name:       "orders-by-owner",
//		Collection: "orders",
//		Version:    1,
//		Policy:     schema.PolicyEager,
//		Map: schema.TypedMapper[Order]{
//			Codec: schema.JSONCodec[Order]{},
//			Fn: func(id uint64, o Order) ([]schema.Mapping, error) {
//				return []schema.Mapping{schema.Emit(schema.KeyString(o.Owner), schema.EncodeInt64(o.Amount))}, nil
//			},
//		},
//		Reduce: schema.SumInt64,
//	})
//
// Mapped keys are compared bytewise; KeyString, KeyUint64, KeyInt64 and
// KeyTuple build keys whose byte order matches the value order. Documents are
// stored as opaque bytes; Codec implementations (JSON via goccy/go-json, BSON
// via the mongo driver) convert between application types and contents.
//
// Function values cannot be compared, so changing a map or reduce function
// requires bumping the view's Version to have the index rebuilt.
package schema
