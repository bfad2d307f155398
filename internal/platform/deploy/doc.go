// Package deploy installs bundled metadata objects (forms, programs,
// encounter types, global properties, roles) into a running database.
//
// Objects are matched against what is already stored by their stable unique
// identifier, never by the database-local surrogate id. Each object kind is
// served by exactly one ObjectHandler; the Registry maps kinds to handlers
// and the Service runs the shared install pipeline:
//
//  1. fetch the existing object by unique identifier
//  2. if none, ask the handler for an alternate match; if still none, clear
//     any surrogate id the incoming object carries
//  3. if something was found: merge (MergeHandler only), copy its surrogate
//     id onto the incoming object (SurrogateKeyed only), evict it from the
//     identity session
//  4. save the incoming object
//
// Usage:
//
//	reg, err := deploy.NewRegistry(logger, formHandler, programHandler)
//	if err != nil {
//	    return err
//	}
//	svc := deploy.NewService(reg, session.ContextEvicter{}, deploy.WithLogger(logger))
//	replaced, err := svc.Install(ctx, form)
package deploy
