package pushsub

import "testing"

func TestParseSubscription(t *testing.T) {
	tests := []struct {
		name    string
		json    string
		wantErr bool
	}{
		{
			name: "valid subscription",
			json: `{
				"endpoint": "https://push.example.com/abc123",
				"keys": {
					"p256dh": "BNcRdreALRFXTkOOUHK1EtK2wtaz5Ry4YfYCA_0QTpQtUbVlUls0VJXg7A8u-Ts1XbjhazAkj7I99e8QcYP7DkM",
					"auth": "tBHItJI5svbpez7KI4CCXg"
				}
			}`,
		},
		{
			name: "extra fields from the browser",
			json: `{
				"endpoint": "https://fcm.googleapis.com/fcm/send/abc",
				"expirationTime": null,
				"keys": {"p256dh": "BAbc", "auth": "xyz"}
			}`,
		},
		{
			name:    "empty JSON",
			json:    `{}`,
			wantErr: true,
		},
		{
			name:    "not JSON",
			json:    `endpoint=https://push.example.com`,
			wantErr: true,
		},
		{
			name: "missing endpoint",
			json: `{
				"keys": {
					"p256dh": "BNcRdreALRFXTkOOUHK1EtK2wtaz5Ry4YfYCA_0QTpQtUbVlUls0VJXg7A8u-Ts1XbjhazAkj7I99e8QcYP7DkM",
					"auth": "tBHItJI5svbpez7KI4CCXg"
				}
			}`,
			wantErr: true,
		},
		{
			name: "missing p256dh",
			json: `{
				"endpoint": "https://push.example.com/abc123",
				"keys": {"auth": "tBHItJI5svbpez7KI4CCXg"}
			}`,
			wantErr: true,
		},
		{
			name: "missing auth",
			json: `{
				"endpoint": "https://push.example.com/abc123",
				"keys": {"p256dh": "BNcRdreALRFXTkOOUHK1EtK2wtaz5Ry4YfYCA_0QTpQtUbVlUls0VJXg7A8u-Ts1XbjhazAkj7I99e8QcYP7DkM"}
			}`,
			wantErr: true,
		},
		{
			name: "non-https endpoint",
			json: `{
				"endpoint": "http://push.example.com/abc123",
				"keys": {
					"p256dh": "BNcRdreALRFXTkOOUHK1EtK2wtaz5Ry4YfYCA_0QTpQtUbVlUls0VJXg7A8u-Ts1XbjhazAkj7I99e8QcYP7DkM",
					"auth": "tBHItJI5svbpez7KI4CCXg"
				}
			}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSubscription([]byte(tt.json))
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseSubscription() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
