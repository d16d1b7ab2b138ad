// Package sdruntime provisions text-to-image pipelines and runs generation requests.
//
// The package has three parts:
//
//   - Normalize converts the user-facing prompt strength into a guidance coefficient.
//   - Provision turns a PipelineConfig into a device-bound *Pipeline using a Backend.
//   - Orchestrator.Generate runs one GenerationRequest against a pipeline and persists
//     every image through a PathResolver and an ImageWriter.
//
// # Quick Start
//
//	backend := imagegen.NewProcedural(imagegen.ProceduralConfig{})
//	pipeline, err := sdruntime.Provision(ctx, backend, sdruntime.DefaultPipelineConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer pipeline.Close()
//
//	req := sdruntime.DefaultRequest()
//	req.PositivePrompt = "a red bicycle"
//
//	orch, _ := sdruntime.NewOrchestrator(resolver, writer, logger)
//	result, err := orch.Generate(ctx, pipeline, req, "")
//
// # Provisioning Order
//
// The base model is loaded first, then the encoder override is substituted, then
// adapters are merged in list order, then the watermark and safety policies are
// installed and finally the model is bound to its device. Adapter order is
// observable: [A, B] and [B, A] may produce different pipelines.
//
// # Error Handling
//
// The package defines domain-specific errors:
//
//   - ErrInvalidParameter: request or strength validation failed
//   - ErrModelLoad: base model or encoder override could not be loaded
//   - ErrAdapterLoad: an adapter could not be resolved or has an invalid weight
//   - ErrDevice: the requested device is unavailable
//   - ErrInference: the batched inference call failed
//   - ErrPersistence: an image could not be written (see PersistenceError)
//   - ErrPipelineClosed: the pipeline has been closed
//   - ErrPipelineBusy: the context ended while waiting for the pipeline
//
// Use errors.Is() for error checking:
//
//	result, err := orch.Generate(ctx, pipeline, req, "")
//	if errors.Is(err, sdruntime.ErrInference) {
//	    // retry with the same or a fresh pipeline
//	}
//
// # Thread Safety
//
// A Pipeline serves one Generate call at a time; concurrent calls on the same
// pipeline wait for the previous one to finish. Callers needing parallel
// generation provision independent pipelines. Close must not be called while a
// generation is running.
package sdruntime
