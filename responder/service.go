package responder

import (
	"fmt"
	"reflect"
)

// ExposeService registers every exported method of rcvr that has the completion shape,
// under "TypeName.MethodName". rcvr must be a pointer to a struct. Methods with any other
// signature are skipped.
func (r *Responder) ExposeService(rcvr any) error {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return fmt.Errorf("rpc: rcvr must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("rpc: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	val := reflect.ValueOf(rcvr)
	serviceName := typ.Elem().Name()

	var methods []Method
	for i := 0; i < typ.NumMethod(); i++ {
		name := serviceName + "." + typ.Method(i).Name
		bound := val.Method(i).Interface()
		if _, err := newMethod(name, bound, nil); err != nil {
			r.log.WithField("method", name).Debug("skipping method without completion signature")
			continue
		}
		methods = append(methods, Method{Name: name, Func: bound})
	}
	if len(methods) == 0 {
		return fmt.Errorf("rpc: %s has no exported methods with a completion parameter", serviceName)
	}
	return r.ExposeAll(methods...)
}
