package zinject

import "syscall"

// calcRange implements spec §4.G: translate rec.Start/End from byte
// offsets to block ids using the target dnode's geometry, resolved
// through resolver. On any failure, the underlying error is returned
// unchanged and the handler is never installed.
func calcRange(resolver PoolResolver, poolName string, rec *Record) error {
	if resolver == nil {
		return newError("InjectFault", ErrCodePoolResolution, 0, "CALC_RANGE requires a PoolResolver")
	}
	pool, ok := resolver.Lookup(poolName)
	if !ok {
		return newError("InjectFault", ErrCodeNotFound, syscall.ENOENT, "pool not found: "+poolName)
	}
	geom, err := resolver.Dnode(pool, rec.Objset, rec.Object)
	if err != nil {
		return wrapResolverError("InjectFault", err)
	}

	start := rec.Start >> geom.DataBlockShift
	end := rec.End >> geom.DataBlockShift

	if rec.Level > 0 {
		if rec.Level >= geom.NLevels {
			return newError("InjectFault", ErrCodeDomain, syscall.EDOM, "level exceeds dnode depth")
		}
		shift := uint(rec.Level) * (geom.IndBlockShift - BlockPointerShift)
		start >>= shift
		end >>= shift
	}

	rec.Start, rec.End = start, end
	return nil
}
