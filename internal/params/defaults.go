package params

// DefaultSpecs mirrors the particle gun options of SubmitHGCalPGun.
func DefaultSpecs() []Spec {
	return []Spec{
		{Name: "nevts", Type: TypeInt, Default: "10", Dest: "NEVTS", Help: "total number of events"},
		{Name: "partID", Type: TypeString, Default: "22", Dest: "PARTID", Help: "comma separated list of particle IDs"},
		{Name: "nPart", Type: TypeInt, Default: "1", Dest: "NPART", Help: "number of times particles of type(s) partID are generated per event"},
		{Name: "thresholdMin", Type: TypeFloat, Default: "1.0", Dest: "thresholdMin", Help: "lower pt/E threshold of the gun"},
		{Name: "thresholdMax", Type: TypeFloat, Default: "35.0", Dest: "thresholdMax", Help: "upper pt/E threshold of the gun"},
		{Name: "gunMode", Type: TypeString, Default: "default", Dest: "gunMode", Help: "default, pythia, physproc or closeby"},
		{Name: "gunType", Type: TypeString, Default: "Pt", Dest: "gunType", Help: "Pt or E gun"},
		{Name: "InConeID", Type: TypeString, Default: "", Dest: "InConeID", Help: "particle IDs generated in a cone around the main particle"},
		{Name: "MinDeltaR", Type: TypeFloat, Default: "0.3", Dest: "MinDeltaR", Help: "min delta R of in-cone particles"},
		{Name: "MaxDeltaR", Type: TypeFloat, Default: "0.4", Dest: "MaxDeltaR", Help: "max delta R of in-cone particles"},
		{Name: "MinMomRatio", Type: TypeFloat, Default: "0.5", Dest: "MinMomRatio", Help: "min momentum ratio of in-cone particles"},
		{Name: "MaxMomRatio", Type: TypeFloat, Default: "2.0", Dest: "MaxMomRatio", Help: "max momentum ratio of in-cone particles"},
		{Name: "zMin", Type: TypeFloat, Default: "321.6", Dest: "zMin", Help: "min z position in cm (closeby gun)"},
		{Name: "zMax", Type: TypeFloat, Default: "650.0", Dest: "zMax", Help: "max z position in cm (closeby gun)"},
		{Name: "rMin", Type: TypeFloat, Default: "0.0", Dest: "rMin", Help: "min radius in cm (closeby gun)"},
		{Name: "rMax", Type: TypeFloat, Default: "300.0", Dest: "rMax", Help: "max radius in cm (closeby gun)"},
		{Name: "etaMin", Type: TypeFloat, Default: "1.479", Dest: "etaMin", Help: "min eta of the gun"},
		{Name: "etaMax", Type: TypeFloat, Default: "3.0", Dest: "etaMax", Help: "max eta of the gun"},
		{Name: "pointing", Type: TypeBool, Default: "true", Dest: "pointing", Help: "closeby particles point to the vertex"},
		{Name: "overlapping", Type: TypeBool, Default: "false", Dest: "overlapping", Help: "closeby particles overlap in phi"},
		{Name: "randomShoot", Type: TypeBool, Default: "false", Dest: "randomShoot", Help: "shoot a random number of particles in [1, nPart]"},
		{Name: "nRandomPart", Type: TypeInt, Default: "1", Dest: "NRANDOMPARTICLES", Help: "number of random particles"},
		{Name: "multiClusterTag", Type: TypeString, Default: "hgcalMultiClusters", Dest: "MULTICLUSTAG", Help: "multicluster collection used in the ntuple step"},
		{Name: "addGenOrigin", Type: TypeBool, Default: "false", Dest: "ADDGENORIG", Help: "add coordinates of the origin vertex for gen particles"},
		{Name: "addGenExtrapol", Type: TypeBool, Default: "false", Dest: "ADDGENEXTR", Help: "add coordinates of the position of gen particles extrapolated to the layers"},
		{Name: "storePFCandidates", Type: TypeBool, Default: "false", Dest: "storePFCandidates", Help: "store PF candidates in the ntuple"},
		{Name: "multiClusterSim", Type: TypeBool, Default: "false", Dest: "multiClusterSim", Help: "run the multicluster simulation"},
	}
}
