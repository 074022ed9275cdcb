package mongoclient

import (
	"fmt"
	"reflect"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsoncodec"
)

// Selector turns a filter struct into an equality selector. Every set field
// becomes one condition under its bson name: nil pointers, nil slices and
// fields tagged "-" select nothing, a set pointer selects its value.
func Selector(filter interface{}) (bson.M, error) {
	val := reflect.Indirect(reflect.ValueOf(filter))
	if val.Kind() != reflect.Struct {
		return nil, fmt.Errorf("selector needs a struct, got %s", val.Kind())
	}

	res := bson.M{}
	typ := val.Type()
	for i := 0; i < val.NumField(); i++ {
		sf := typ.Field(i)
		if sf.PkgPath != "" {
			continue
		}
		tag, err := bsoncodec.DefaultStructTagParser(sf)
		if err != nil {
			return nil, err
		}
		field := val.Field(i)
		if tag.Skip || field.IsZero() {
			continue
		}
		if field.Kind() == reflect.Ptr {
			field = field.Elem()
		}
		res[tag.Name] = field.Interface()
	}
	return res, nil
}
