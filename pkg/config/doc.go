// Package config loads the faultd configuration file.
//
// A configuration is YAML or JSON, picked by file extension:
//
//	listen: ":10000"
//	admin:
//	  listen: ":9901"
//	upstreams:
//	  - name: users
//	    url: http://localhost:9001
//	routes:
//	  - name: users
//	    prefix: /users
//	    upstream: users
//	    fault:
//	      delay: { fixed_delay: 1s, percentage: { numerator: 50 } }
//	      abort: { http_status: 503, percentage: 10 }
//
// LoadFromFile applies defaults and validates the result; RouteConfig.Rule
// turns a route's fault block into a fault.Rule.
package config
